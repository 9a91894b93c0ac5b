package engine

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"holon/internal/domain"
	"holon/internal/ledger"
)

// Correct appends a correction for the event at refSeq. The original event is
// never touched; the read model applies fields on top of it.
func (e *Engine) Correct(ctx context.Context, refSeq int64, reason string, fields json.RawMessage, actorID string) (ledger.Event, error) {
	if reason == "" {
		return ledger.Event{}, domain.Errorf(domain.KindInvalidSpec, "a correction needs a reason")
	}
	if refSeq <= 0 || refSeq > e.Ledger.LastSeq() {
		return ledger.Event{}, domain.Errorf(domain.KindNotFound, "no event with seq %d", refSeq)
	}
	ref := e.Ledger.Since(refSeq-1, 1)[0]
	if _, ok := ref.Type.IsCorrection(); ok {
		return ledger.Event{}, domain.Errorf(domain.KindInvalidSpec, "seq %d is itself a correction", refSeq)
	}
	if len(fields) > 0 && !json.Valid(fields) {
		return ledger.Event{}, domain.Errorf(domain.KindInvalidSpec, "correction fields are not valid JSON")
	}
	ev, err := e.Ledger.Append(ctx, ledger.Record{
		Type:    ledger.CorrectionOf(ref.Type),
		AgentID: actorOr(actorID),
		Payload: ledger.Correction{
			IntentID: ref.IntentID(),
			RefSeq:   refSeq,
			Reason:   reason,
			Fields:   fields,
		},
	})
	if err != nil {
		return ev, err
	}
	e.Log.Info("ledger correction recorded", zap.Int64("ref_seq", refSeq), zap.String("type", string(ev.Type)), zap.Int64("seq", ev.Seq))
	return ev, nil
}
