// Web Push microservice: role-scoped subscriptions in Redis, VAPID delivery.
// The conversation API asks it to notify a whole role (the counterpart of a
// message sender); it fans out to every browser subscription of that role.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/portalchat/internal/logger"
	"github.com/portalchat/internal/model"
	"github.com/portalchat/internal/push"
)

const (
	redisKeyPrefix  = "push:subs:"
	maxSubsPerRole  = 100
	subscriptionTTL = 30 * 24 * time.Hour
)

type Config struct {
	ServerAddr      string
	RedisURL        string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
}

func loadConfig() *Config {
	return &Config{
		ServerAddr:      getEnv("SERVER_ADDR", ":8082"),
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379"),
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// storedSub is one subscription record kept in the role's Redis hash,
// keyed by endpoint.
type storedSub struct {
	UserID       string                `json:"user_id"`
	Subscription push.PushSubscription `json:"subscription"`
}

type Server struct {
	cfg   *Config
	redis *redis.Client
	vapid *webpush.Options
}

func main() {
	logger.SetPrefix("push")
	if len(os.Args) > 1 && (os.Args[1] == "-gen-vapid" || os.Args[1] == "--gen-vapid") {
		priv, pub, err := webpush.GenerateVAPIDKeys()
		if err != nil {
			logger.Errorf("generate VAPID: %v", err)
			os.Exit(1)
		}
		logger.Infof("VAPID_PUBLIC_KEY=%s", pub)
		logger.Infof("VAPID_PRIVATE_KEY=%s", priv)
		return
	}
	logger.Info("starting push service")
	cfg := loadConfig()
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		keys, err := push.EnsureVAPIDKeys("")
		if err == nil {
			cfg.VAPIDPublicKey = keys.PublicKey
			cfg.VAPIDPrivateKey = keys.PrivateKey
		} else {
			logger.Infof("VAPID: could not load or generate keys: %v (push delivery disabled)", err)
		}
	}
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		logger.Info("VAPID keys not set: subscriptions are stored but nothing is delivered")
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Errorf("redis url: %v", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		logger.Errorf("redis ping: %v", err)
		os.Exit(1)
	}
	cancel()
	defer rdb.Close()
	logger.Info("redis connected")

	var vapidOpts *webpush.Options
	if cfg.VAPIDPublicKey != "" && cfg.VAPIDPrivateKey != "" {
		vapidOpts = &webpush.Options{
			Subscriber:      "portalchat-push",
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			TTL:             30,
		}
	}
	s := &Server{cfg: cfg, redis: rdb, vapid: vapidOpts}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Get("/api/vapid-public", s.handleVAPIDPublic)
	r.Route("/api", func(r chi.Router) {
		r.Post("/subscribe", s.handleSubscribe)
		r.Delete("/subscribe", s.handleUnsubscribe)
		r.Post("/notify", s.handleNotify)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("push service listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("push service stopped")
}

func (s *Server) handleVAPIDPublic(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]string{"public_key": s.cfg.VAPIDPublicKey})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req push.SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Role.Valid() || req.Subscription.Endpoint == "" {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}

	key := redisKeyPrefix + string(req.Role)
	n, err := s.redis.HLen(r.Context(), key).Result()
	if err != nil {
		logger.Errorf("subscribe hlen: %v", err)
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	if n >= maxSubsPerRole {
		http.Error(w, `{"error":"too many subscriptions"}`, http.StatusConflict)
		return
	}

	val, _ := json.Marshal(storedSub{UserID: req.UserID, Subscription: req.Subscription})
	if err := s.redis.HSet(r.Context(), key, req.Subscription.Endpoint, val).Err(); err != nil {
		logger.Errorf("subscribe hset: %v", err)
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	s.redis.Expire(r.Context(), key, subscriptionTTL)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role     model.Role `json:"role"`
		Endpoint string     `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Role.Valid() || req.Endpoint == "" {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	if err := s.redis.HDel(r.Context(), redisKeyPrefix+string(req.Role), req.Endpoint).Err(); err != nil {
		logger.Errorf("unsubscribe hdel: %v", err)
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req push.NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Role.Valid() {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	if s.vapid == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	key := redisKeyPrefix + string(req.Role)
	subs, err := s.redis.HGetAll(r.Context(), key).Result()
	if err != nil {
		logger.Errorf("notify hgetall: %v", err)
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"title": req.Title,
		"body":  req.Body,
		"data":  req.Data,
	})

	for endpoint, raw := range subs {
		var stored storedSub
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			s.redis.HDel(context.Background(), key, endpoint)
			continue
		}
		go s.deliver(key, endpoint, stored, payload)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deliver(key, endpoint string, stored storedSub, payload []byte) {
	sub := &webpush.Subscription{
		Endpoint: stored.Subscription.Endpoint,
		Keys: webpush.Keys{
			P256dh: stored.Subscription.Keys.P256dh,
			Auth:   stored.Subscription.Keys.Auth,
		},
	}
	resp, err := webpush.SendNotification(payload, sub, s.vapid)
	if err != nil {
		logger.Errorf("push send: %v", err)
		return
	}
	defer resp.Body.Close()
	// 404/410 mean the browser dropped the subscription: purge it.
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		s.redis.HDel(context.Background(), key, endpoint)
	}
}
