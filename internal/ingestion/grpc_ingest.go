package ingestion

import (
	"Bastion/internal/core"
	"Bastion/internal/event"
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// GRPCIngestService injects commands arriving over the RPC and REST surfaces.
// NATS remains the high-throughput path; this one is for operators, LPs
// claiming, and tooling.
type GRPCIngestService struct {
	submit chan<- core.Submission
	now    func() time.Time
}

func NewGRPCIngestService(submit chan<- core.Submission) *GRPCIngestService {
	return &GRPCIngestService{submit: submit, now: time.Now}
}

// SetClock replaces the wall clock used to stamp commands. Tests only.
func (s *GRPCIngestService) SetClock(now func() time.Time) {
	s.now = now
}

// Stamp fills the shell-owned fields of meta. A fresh command id is used when
// the client sent none. Caller always comes from the authenticated identity.
func (s *GRPCIngestService) Stamp(meta *event.Meta, caller common.Address, commandID string) {
	if commandID == "" {
		commandID = uuid.NewString()
	}
	meta.CommandID = commandID
	meta.From = caller
	meta.Timestamp = s.now().UTC().Truncate(time.Microsecond)
}

// Inject submits cmd to the processor and waits for the outcome. A command
// rejected by the engine comes back as a non-nil error.
func (s *GRPCIngestService) Inject(ctx context.Context, cmd event.Command) (core.Reply, error) {
	reply, err := core.Submit(ctx, s.submit, cmd)
	if err != nil {
		return core.Reply{}, err
	}
	return reply, reply.Err
}
