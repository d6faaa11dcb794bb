package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/moebius/tradewatch/internal/domain"
	"github.com/moebius/tradewatch/internal/exchange"
	"github.com/moebius/tradewatch/pkg/secretstore"
)

// 从 .env 风格文件导入 API 密钥：
//
//	UPBIT_KEY_<ID>_ACCESS=...
//	UPBIT_KEY_<ID>_SECRET=...
func main() {
	var (
		inPath    = flag.String("in", "apikeys.env", "input file path")
		dbPath    = flag.String("badger", getenv("SECRETS_PATH", "data/secrets"), "badger secrets db path")
		secretKey = flag.String("secret-key", getenv("SECRETS_ENCRYPTION_KEY", ""), "badger encryption key (32 bytes base64/hex)")
	)
	flag.Parse()

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}

	kv, err := godotenv.Read(*inPath)
	if err != nil {
		fatal(err)
	}
	keys, err := parseApiKeys(kv)
	if err != nil {
		fatal(err)
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{Path: *dbPath, EncryptionKey: keyBytes})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	resolver := exchange.NewSecretKeyResolver(ss)
	for _, k := range keys {
		if err := resolver.Put(k); err != nil {
			fatal(err)
		}
	}
	fmt.Fprintf(os.Stderr, "已导入 %d 个 API 密钥到 %s\n", len(keys), *dbPath)
}

func parseApiKeys(kv map[string]string) ([]domain.ApiKey, error) {
	const prefix = "UPBIT_KEY_"
	byID := map[string]*domain.ApiKey{}
	for k, v := range kv {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		i := strings.LastIndex(rest, "_")
		if i <= 0 {
			continue
		}
		id, field := strings.ToLower(rest[:i]), rest[i+1:]
		key, ok := byID[id]
		if !ok {
			key = &domain.ApiKey{ID: id, Exchange: domain.ExchangeUpbit}
			byID[id] = key
		}
		switch field {
		case "ACCESS":
			key.AccessKey = v
		case "SECRET":
			key.SecretKey = v
		}
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]domain.ApiKey, 0, len(ids))
	for _, id := range ids {
		k := byID[id]
		if k.AccessKey == "" || k.SecretKey == "" {
			return nil, fmt.Errorf("api key %s: access and secret are both required", id)
		}
		out = append(out, *k)
	}
	return out, nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
