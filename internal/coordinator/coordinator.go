// Package coordinator implementa coordenação entre instâncias via Redis.
//
// Quando várias instâncias do serviço compartilham o mesmo diretório de
// bancos de tenants, uma mudança de ciclo de vida (suspend, deprovision) em
// uma instância precisa derrubar o pool vivo nas demais. O coordinator
// publica esses eventos via Pub/Sub e mantém um registro de instâncias
// ativas com heartbeat.
//
// Fornece:
//   - Publicação/assinatura de eventos de ciclo de vida de tenants
//   - Registro de instâncias ativas com TTL de heartbeat
//   - Modo fallback quando o Redis está indisponível (eventos locais apenas)
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joao-brasil/tenant-db-pooling/internal/config"
	"github.com/joao-brasil/tenant-db-pooling/internal/metrics"
)

// ── Padrões de Chaves Redis ──────────────────────────────────────────────
const (
	keyInstanceHB   = "tenantdb:instance:%s:heartbeat" // chave de heartbeat com TTL
	keyInstanceList = "tenantdb:instances"             // conjunto de IDs de instâncias ativas
	channelEvents   = "tenantdb:events"                // canal Pub/Sub de eventos de tenant
)

// Event é um evento de ciclo de vida de tenant propagado entre instâncias.
type Event struct {
	Op       string    `json:"op"` // provisioned, deprovisioned, suspended, resumed
	TenantID string    `json:"tenant_id"`
	Instance string    `json:"instance"`
	At       time.Time `json:"at"`
}

// Handler processa eventos recebidos de outras instâncias.
type Handler func(Event)

// Coordinator gerencia a propagação de eventos de tenant via Redis.
type Coordinator struct {
	client     *redis.Client
	cfg        *config.Config
	instanceID string

	// fallbackMode indica que o Redis está indisponível e os eventos são
	// apenas locais.
	fallbackMode atomic.Bool

	subMu   sync.Mutex
	sub     *redis.PubSub
	handler Handler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New cria e inicializa o coordinator. Se o Redis estiver indisponível e o
// fallback estiver habilitado, o coordinator inicia em modo fallback em vez
// de falhar.
func New(ctx context.Context, cfg *config.Config) (*Coordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	c := &Coordinator{
		client:     client,
		cfg:        cfg,
		instanceID: cfg.Server.InstanceID,
		stopCh:     make(chan struct{}),
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("ping", "error").Inc()
		if cfg.Fallback.Enabled {
			log.Printf("[coordinator] Redis unavailable (%v), starting in fallback mode", err)
			c.fallbackMode.Store(true)
			return c, nil
		}
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("ping", "ok").Inc()
	log.Printf("[coordinator] Redis connected: %s", cfg.Redis.Addr)

	if err := c.registerInstance(ctx); err != nil {
		return nil, fmt.Errorf("registering instance: %w", err)
	}

	log.Printf("[coordinator] initialized: instance=%s", c.instanceID)
	return c, nil
}

// registerInstance adiciona esta instância ao conjunto de instâncias ativas.
func (c *Coordinator) registerInstance(ctx context.Context) error {
	return c.client.SAdd(ctx, keyInstanceList, c.instanceID).Err()
}

// Publish propaga um evento de ciclo de vida para as demais instâncias.
// Em modo fallback é um no-op: o pooling local não depende do Redis.
func (c *Coordinator) Publish(ctx context.Context, op, tenantID string) error {
	if c.fallbackMode.Load() {
		return nil
	}

	payload, err := json.Marshal(Event{
		Op:       op,
		TenantID: tenantID,
		Instance: c.instanceID,
		At:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	if err := c.client.Publish(ctx, channelEvents, payload).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("publish", "error").Inc()
		if c.cfg.Fallback.Enabled {
			c.enterFallback()
			return nil
		}
		return fmt.Errorf("publishing event: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("publish", "ok").Inc()
	return nil
}

// Start registra o handler e assina o canal de eventos. Eventos originados
// por esta própria instância são ignorados.
func (c *Coordinator) Start(handler Handler) {
	c.subMu.Lock()
	c.handler = handler
	c.subMu.Unlock()

	if c.fallbackMode.Load() {
		return
	}
	c.subscribe()
}

// subscribe cria a assinatura Pub/Sub e inicia o loop de despacho.
func (c *Coordinator) subscribe() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.sub != nil || c.handler == nil {
		return
	}

	sub := c.client.Subscribe(context.Background(), channelEvents)
	c.sub = sub
	handler := c.handler

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ch := sub.Channel()
		for {
			select {
			case <-c.stopCh:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Printf("[coordinator] discarding malformed event: %v", err)
					continue
				}
				if ev.Instance == c.instanceID {
					continue
				}
				metrics.RedisOperations.WithLabelValues("event", "ok").Inc()
				handler(ev)
			}
		}
	}()

	log.Printf("[coordinator] subscribed to %s", channelEvents)
}

// ── Modo Fallback ───────────────────────────────────────────────────────

func (c *Coordinator) enterFallback() {
	if c.fallbackMode.CompareAndSwap(false, true) {
		log.Printf("[coordinator] entering fallback mode (local events only)")
	}
}

// ExitFallback tenta reconectar ao Redis e sair do modo fallback.
func (c *Coordinator) ExitFallback(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return err
	}
	if err := c.registerInstance(ctx); err != nil {
		return err
	}
	c.fallbackMode.Store(false)
	c.subscribe()
	log.Printf("[coordinator] exited fallback mode, Redis reconnected")
	return nil
}

// IsFallback retorna true se o coordinator estiver em modo fallback.
func (c *Coordinator) IsFallback() bool {
	return c.fallbackMode.Load()
}

// InstanceID retorna o identificador desta instância.
func (c *Coordinator) InstanceID() string {
	return c.instanceID
}

// Instances retorna os IDs das instâncias registradas.
func (c *Coordinator) Instances(ctx context.Context) ([]string, error) {
	if c.fallbackMode.Load() {
		return []string{c.instanceID}, nil
	}
	return c.client.SMembers(ctx, keyInstanceList).Result()
}

// Close desregistra a instância e encerra a assinatura e o cliente Redis.
func (c *Coordinator) Close(ctx context.Context) error {
	close(c.stopCh)

	c.subMu.Lock()
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
	c.subMu.Unlock()

	c.wg.Wait()

	if !c.fallbackMode.Load() {
		pipe := c.client.Pipeline()
		pipe.SRem(ctx, keyInstanceList, c.instanceID)
		pipe.Del(ctx, fmt.Sprintf(keyInstanceHB, c.instanceID))
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("[coordinator] deregistering instance: %v", err)
		}
	}

	return c.client.Close()
}
