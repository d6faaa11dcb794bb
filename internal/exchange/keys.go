package exchange

import (
	"context"

	"github.com/pkg/errors"

	"github.com/moebius/tradewatch/internal/domain"
	"github.com/moebius/tradewatch/pkg/secretstore"
)

const apiKeyPrefix = "apikey:"

// SecretKeyResolver 从加密 KV 中读取 API 密钥
type SecretKeyResolver struct {
	store *secretstore.Store
}

func NewSecretKeyResolver(store *secretstore.Store) *SecretKeyResolver {
	return &SecretKeyResolver{store: store}
}

func (r *SecretKeyResolver) Resolve(_ context.Context, apiKeyID string) (domain.ApiKey, error) {
	var k domain.ApiKey
	found, err := r.store.GetJSON(apiKeyPrefix+apiKeyID, &k)
	if err != nil {
		return domain.ApiKey{}, errors.Wrapf(err, "load api key %s", apiKeyID)
	}
	if !found {
		return domain.ApiKey{}, ErrNoApiKey
	}
	k.ID = apiKeyID
	return k, nil
}

// Put 保存或覆盖密钥
func (r *SecretKeyResolver) Put(k domain.ApiKey) error {
	if k.ID == "" || k.AccessKey == "" || k.SecretKey == "" {
		return errors.New("api key id, access key and secret key are required")
	}
	return r.store.SetJSON(apiKeyPrefix+k.ID, k)
}

// Remove 删除密钥，不存在时不报错
func (r *SecretKeyResolver) Remove(apiKeyID string) error {
	return r.store.Delete(apiKeyPrefix + apiKeyID)
}
