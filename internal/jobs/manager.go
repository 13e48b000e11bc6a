// Package jobs はAsynqによる非同期ジョブキューを提供します。
// ジョブの状態と履歴はSQLite側が正であり、キューは実行のトリガーのみを運びます。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/RobinQuick/pultimate/internal/config"
	"github.com/RobinQuick/pultimate/internal/rebuild"
)

const (
	taskTypeRebuild = "rebuild:run"
	queueRebuild    = "rebuild"
)

// Manager はジョブの投入とワーカーの起動を担います。
type Manager struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	runner *rebuild.Runner
	redis  *redis.Client
	logger *log.Logger
}

// taskPayload は再構築タスクのペイロードです。実行に必要な情報は
// すべてデータベースにあるため、ジョブIDだけを運びます。
type taskPayload struct {
	JobID string `json:"jobId"`
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, runner *rebuild.Runner, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	redisOpt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				queueRebuild: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client: client,
		server: server,
		mux:    mux,
		runner: runner,
		redis:  redis.NewClient(redisOpt),
		logger: logger,
	}
	mux.HandleFunc(taskTypeRebuild, manager.handleRebuildTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			if m.logger != nil {
				m.logger.Printf("asynq server stopped with error: %v", err)
			} else {
				log.Printf("asynq server stopped with error: %v", err)
			}
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	m.client.Close()
	return m.redis.Close()
}

// Ping はキューのバックエンドであるRedisへの疎通を確認します。
// ヘルスチェックから利用されます。
func (m *Manager) Ping(ctx context.Context) error {
	return m.redis.Ping(ctx).Err()
}

// Schedule はジョブをキューに投入します。失敗はジョブ側に記録される
// 方針のため、キューレベルのリトライは行いません。
func (m *Manager) Schedule(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}

	body, err := json.Marshal(taskPayload{JobID: jobID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskTypeRebuild, body, asynq.Queue(queueRebuild))
	if _, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(0)); err != nil {
		return err
	}
	return nil
}

func (m *Manager) handleRebuildTask(ctx context.Context, task *asynq.Task) error {
	var payload taskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload")
	}
	return m.runner.Advance(ctx, payload.JobID)
}
