package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"casework/internal/audit"
	"casework/internal/casestore"
	"casework/internal/config"
	"casework/internal/domain"
	"casework/internal/messaging"
	"casework/internal/outbox"
	"casework/internal/submit"
)

// App wires the stores and the submission coordinator around one database
// connection. It is the composition root shared by the CLI and the server.
type App struct {
	Conn        *sql.DB
	Config      *config.Config
	Cases       casestore.Store
	Audit       audit.Writer
	Outbox      outbox.Store
	Messages    messaging.Store
	Coordinator *submit.Coordinator
}

// New assembles an App. The registry decides how events are handled;
// RegistryFromConfig builds one from declarative config when no richer
// handlers are registered in code.
func New(conn *sql.DB, cfg *config.Config, reg *submit.Registry) App {
	cases := casestore.Store{DB: conn}
	auditW := audit.Writer{DB: conn}
	outboxS := outbox.Store{DB: conn, ProcessingTimeout: cfg.Outbox.ProcessingTimeout.Std()}
	messages := messaging.Store{DB: conn, ClaimWindow: cfg.Messaging.ClaimWindow.Std()}
	return App{
		Conn:     conn,
		Config:   cfg,
		Cases:    cases,
		Audit:    auditW,
		Outbox:   outboxS,
		Messages: messages,
		Coordinator: &submit.Coordinator{
			DB:          conn,
			Cases:       cases,
			Gate:        casestore.Gate{DB: conn},
			Audit:       auditW,
			Outbox:      outboxS,
			Messages:    messages,
			Registry:    reg,
			MessageType: cfg.Messaging.MessageType,
		},
	}
}

// RegistryFromConfig registers each declared event with a pass-through
// handler: the submitted data becomes the new snapshot and the configured
// task actions are enqueued on commit.
func RegistryFromConfig(cfg *config.Config) (*submit.Registry, error) {
	reg := submit.NewRegistry()
	for _, spec := range cfg.Events {
		ec := submit.EventConfig{
			CaseTypeID: spec.CaseTypeID,
			ID:         spec.ID,
			Name:       spec.Name,
			Publish:    spec.Publish,
			PostStates: spec.PostStates,
			Submit:     passThrough(spec),
		}
		if err := reg.Register(ec); err != nil {
			return nil, fmt.Errorf("config events: %w", err)
		}
	}
	return reg, nil
}

func passThrough(spec config.EventSpec) submit.SubmitFunc {
	return func(ctx context.Context, ev *submit.Event) (submit.SubmitResult, error) {
		tasks := make([]submit.TaskRequest, 0, len(spec.Tasks))
		for _, action := range spec.Tasks {
			tasks = append(tasks, submit.TaskRequest{
				Action:  domain.TaskAction(action),
				Payload: taskPayload(ev),
			})
		}
		return submit.SubmitResult{Tasks: tasks}, nil
	}
}

func taskPayload(ev *submit.Event) map[string]any {
	payload := map[string]any{
		"case_reference": ev.CaseReference,
		"case_type_id":   ev.CaseTypeID,
		"event_id":       ev.EventID,
		"jurisdiction":   ev.Jurisdiction,
	}
	if len(ev.Data) > 0 {
		payload["data"] = json.RawMessage(ev.Data)
	}
	return payload
}

// NewPoller builds the task outbox dispatcher from config.
func (a App) NewPoller() outbox.Poller {
	return outbox.Poller{
		Store:    a.Outbox,
		Client:   outbox.NewClient(a.Config.Outbox.BaseURL),
		Policy:   outbox.NewRetryPolicy(a.Config.Outbox.Retry),
		Batch:    a.Config.Outbox.BatchSize,
		Interval: a.Config.Outbox.PollInterval.Std(),
	}
}

// NewPublisher builds the case event publisher from config.
func (a App) NewPublisher() messaging.Publisher {
	return messaging.Publisher{
		Store:  a.Messages,
		Bus:    messaging.NewHTTPBus(a.Config.Messaging.Destination),
		Config: a.Config.Messaging,
	}
}
