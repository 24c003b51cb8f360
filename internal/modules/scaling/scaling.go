// Package scaling sets up queue-mode scaling: every main instance registers
// itself in Redis and, with multi-main enabled, instances compete for a
// leader key that the winner keeps alive with a heartbeat.
package scaling

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"flowdeck/internal/observability/logging"
)

const (
	defaultLeaderTTL   = 10 * time.Second
	defaultDialTimeout = 5 * time.Second
	defaultPrefix      = "flowdeck"
)

// Config configures the scaling service.
type Config struct {
	Addrs       []string
	Username    string
	Password    string
	DB          int
	Prefix      string
	TLS         TLSConfig
	InstanceID  string
	LeaderTTL   time.Duration
	MultiMain   bool
	DialTimeout time.Duration
	Logger      *slog.Logger
	// Events receives instance-registered and leadership changes. Optional.
	Events Emitter
}

// TLSConfig controls TLS towards Redis. The zero value keeps plain TCP.
type TLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// Emitter is the subset of the event service the scaling service publishes to.
type Emitter interface {
	Emit(name string, payload map[string]interface{})
}

// Service owns the Redis client used for instance registration and leader
// election.
type Service struct {
	client     redis.UniversalClient
	prefix     string
	instanceID string
	ttl        time.Duration
	multiMain  bool
	logger     *slog.Logger
	events     Emitter

	mu          sync.Mutex
	initialized bool
	leader      bool
}

// New builds the client. No connection is made until Init.
func New(cfg Config) (*Service, error) {
	addrs := make([]string, 0, len(cfg.Addrs))
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	instanceID := strings.TrimSpace(cfg.InstanceID)
	if instanceID == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	ttl := cfg.LeaderTTL
	if ttl <= 0 {
		ttl = defaultLeaderTTL
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:            addrs,
		Username:         strings.TrimSpace(cfg.Username),
		Password:         cfg.Password,
		DB:               cfg.DB,
		DialTimeout:      dialTimeout,
		ReadTimeout:      dialTimeout,
		WriteTimeout:     dialTimeout,
		MaxRetries:       2,
		TLSConfig:        tlsConfig,
		Protocol:         2,
		DisableIndentity: true,
	})
	return &Service{
		client:     client,
		prefix:     prefix,
		instanceID: instanceID,
		ttl:        ttl,
		multiMain:  cfg.MultiMain,
		logger:     logging.WithComponent(logging.OrDefault(cfg.Logger), "scaling"),
		events:     cfg.Events,
	}, nil
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         strings.TrimSpace(cfg.ServerName),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CAFile != "" {
		data, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, fmt.Errorf("redis tls cert and key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

func (s *Service) Name() string { return "scaling" }

func (s *Service) instanceKey() string {
	return s.prefix + ":instances:" + s.instanceID
}

func (s *Service) leaderKey() string {
	return s.prefix + ":main_instance_leader"
}

// Init checks connectivity, registers this instance and, in multi-main
// setups, makes a first attempt at leadership. Calling it again after a
// success does nothing.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	if err := s.client.Set(ctx, s.instanceKey(), time.Now().UTC().Format(time.RFC3339), s.ttl).Err(); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	s.emit("instance-registered", map[string]interface{}{"instanceId": s.instanceID})
	if s.multiMain {
		if _, err := s.tryAcquireLocked(ctx); err != nil {
			return err
		}
	} else {
		s.leader = true
	}
	s.initialized = true
	s.logger.Info("queue mode scaling ready", "instance_id", s.instanceID, "multi_main", s.multiMain, "leader", s.leader)
	return nil
}

// tryAcquireLocked must be called with s.mu held.
func (s *Service) tryAcquireLocked(ctx context.Context) (bool, error) {
	acquired, err := s.client.SetNX(ctx, s.leaderKey(), s.instanceID, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire leadership: %w", err)
	}
	if acquired && !s.leader {
		s.logger.Info("became leader", "instance_id", s.instanceID)
		s.emit("leader-takeover", map[string]interface{}{"instanceId": s.instanceID})
	}
	s.leader = acquired
	return acquired, nil
}

// Tick runs one heartbeat: it refreshes the instance key and then renews or
// contends for leadership.
func (s *Service) Tick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.client.Expire(ctx, s.instanceKey(), s.ttl).Err(); err != nil {
		return fmt.Errorf("refresh instance: %w", err)
	}
	if !s.multiMain {
		return nil
	}
	if !s.leader {
		_, err := s.tryAcquireLocked(ctx)
		return err
	}

	holder, err := s.client.Get(ctx, s.leaderKey()).Result()
	switch {
	case errors.Is(err, redis.Nil):
		_, err = s.tryAcquireLocked(ctx)
		return err
	case err != nil:
		return fmt.Errorf("read leader: %w", err)
	case holder != s.instanceID:
		s.leader = false
		s.logger.Warn("leadership lost", "instance_id", s.instanceID, "leader", holder)
		s.emit("leader-stepdown", map[string]interface{}{"instanceId": s.instanceID})
		return nil
	}
	if err := s.client.Expire(ctx, s.leaderKey(), s.ttl).Err(); err != nil {
		return fmt.Errorf("renew leadership: %w", err)
	}
	return nil
}

// Run sends heartbeats every half TTL until ctx is cancelled. Heartbeat
// errors are logged and retried on the next tick.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("scaling heartbeat failed", "error", err)
			}
		}
	}
}

// IsLeader reports whether this instance currently holds the leader key.
func (s *Service) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leader
}

// InstanceID returns the id this instance registered under.
func (s *Service) InstanceID() string { return s.instanceID }

// MultiMain reports whether leader election is active.
func (s *Service) MultiMain() bool { return s.multiMain }

// Leader returns the instance id stored under the leader key, or "" when the
// key is absent.
func (s *Service) Leader(ctx context.Context) (string, error) {
	holder, err := s.client.Get(ctx, s.leaderKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read leader: %w", err)
	}
	return holder, nil
}

// Ping checks the Redis connection.
func (s *Service) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases leadership if held, removes the instance key and closes the
// client.
func (s *Service) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s.mu.Lock()
	if s.leader {
		if holder, err := s.client.Get(ctx, s.leaderKey()).Result(); err == nil && holder == s.instanceID {
			_ = s.client.Del(ctx, s.leaderKey()).Err()
		}
		s.leader = false
	}
	if s.initialized {
		_ = s.client.Del(ctx, s.instanceKey()).Err()
	}
	s.mu.Unlock()
	return s.client.Close()
}

func (s *Service) emit(name string, payload map[string]interface{}) {
	if s.events != nil {
		s.events.Emit(name, payload)
	}
}
