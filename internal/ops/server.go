package ops

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/moebius/tradewatch/internal/domain"
	"github.com/moebius/tradewatch/internal/metrics"
	"github.com/moebius/tradewatch/internal/order"
)

var opsLog = logrus.WithField("component", "ops")

// Orders 挂单管理
type Orders interface {
	CreateOrder(ctx context.Context, o domain.Order) (domain.Order, error)
	Get(ctx context.Context, id string) (domain.Order, error)
	MarkDone(ctx context.Context, id string) error
	CancelStale(ctx context.Context, id string) (bool, error)
}

// Keys API 密钥存储
type Keys interface {
	Put(k domain.ApiKey) error
	Remove(apiKeyID string) error
}

// Server 运维接口：健康检查、指标、缓存清理、挂单管理
type Server struct {
	orders   Orders
	keys     Keys
	clearers map[string]func(context.Context)
}

// New clearers 为 缓存名 -> 清理函数
func New(orders Orders, keys Keys, clearers map[string]func(context.Context)) *Server {
	return &Server{orders: orders, keys: keys, clearers: clearers}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	metrics.Mount(r)

	api := r.Group("/api")
	api.POST("/caches/clear", s.handleClearCaches)

	orders := api.Group("/orders")
	orders.POST("", s.handleOrderCreate)
	orders.GET("/:id", s.handleOrderGet)
	orders.POST("/:id/done", s.handleOrderDone)
	orders.POST("/:id/cancel", s.handleOrderCancel)

	if s.keys != nil {
		api.PUT("/apikeys/:id", s.handleApiKeyPut)
		api.DELETE("/apikeys/:id", s.handleApiKeyDelete)
	}
	return r
}

func writeErr(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

func orderErrStatus(err error) int {
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, order.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, order.ErrInvalidOrder):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleClearCaches(c *gin.Context) {
	names := make([]string, 0, len(s.clearers))
	for name, clear := range s.clearers {
		clear(c.Request.Context())
		names = append(names, name)
	}
	opsLog.Infof("手动清理缓存: %v", names)
	c.JSON(http.StatusOK, gin.H{"cleared": names})
}

type createOrderRequest struct {
	Exchange string  `json:"exchange" binding:"required"`
	Symbol   string  `json:"symbol" binding:"required"`
	Position string  `json:"position" binding:"required,oneof=SALE PURCHASE"`
	Price    float64 `json:"price" binding:"gt=0"`
	Volume   float64 `json:"volume" binding:"gt=0"`
	ApiKeyID string  `json:"apiKeyId" binding:"required"`
}

func (s *Server) handleOrderCreate(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, http.StatusBadRequest, err)
		return
	}
	o, err := s.orders.CreateOrder(c.Request.Context(), domain.Order{
		Exchange: domain.Exchange(req.Exchange),
		Symbol:   req.Symbol,
		Position: domain.OrderPosition(req.Position),
		Price:    req.Price,
		Volume:   req.Volume,
		ApiKeyID: req.ApiKeyID,
	})
	if err != nil {
		writeErr(c, orderErrStatus(err), err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

func (s *Server) handleOrderGet(c *gin.Context) {
	o, err := s.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, orderErrStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) handleOrderDone(c *gin.Context) {
	if err := s.orders.MarkDone(c.Request.Context(), c.Param("id")); err != nil {
		writeErr(c, orderErrStatus(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleOrderCancel(c *gin.Context) {
	canceled, err := s.orders.CancelStale(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, orderErrStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"canceled": canceled})
}

type apiKeyRequest struct {
	AccessKey string `json:"accessKey" binding:"required"`
	SecretKey string `json:"secretKey" binding:"required"`
}

func (s *Server) handleApiKeyPut(c *gin.Context) {
	var req apiKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, http.StatusBadRequest, err)
		return
	}
	k := domain.ApiKey{ID: c.Param("id"), Exchange: domain.ExchangeUpbit, AccessKey: req.AccessKey, SecretKey: req.SecretKey}
	if err := s.keys.Put(k); err != nil {
		writeErr(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleApiKeyDelete(c *gin.Context) {
	if err := s.keys.Remove(c.Param("id")); err != nil {
		writeErr(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}
