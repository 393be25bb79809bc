package enginestore

// producerDecision is the outcome of validating an incoming (epoch, seq)
// pair against a producer's current ledger state, before any data is
// written (§4.5 commit-after-success discipline: this function never
// mutates state).
type producerDecision struct {
	accept    bool
	duplicate bool
	proposed  ProducerState
	err       error
}

// validateProducer implements the Kafka-style idempotent producer rules
// from §4.5. current is nil for a brand-new producer.
func validateProducer(current *ProducerState, epoch, seq uint64) producerDecision {
	if current == nil {
		if seq != 0 {
			return producerDecision{err: ErrSequenceGap}
		}
		return producerDecision{accept: true, proposed: ProducerState{Epoch: epoch, LastSeq: seq}}
	}
	switch {
	case epoch < current.Epoch:
		return producerDecision{err: ErrStaleEpoch}
	case epoch > current.Epoch:
		if seq != 0 {
			return producerDecision{err: ErrInvalidEpochSeq}
		}
		return producerDecision{accept: true, proposed: ProducerState{Epoch: epoch, LastSeq: 0}}
	case seq <= current.LastSeq:
		return producerDecision{duplicate: true, proposed: *current}
	case seq == current.LastSeq+1:
		return producerDecision{accept: true, proposed: ProducerState{Epoch: epoch, LastSeq: seq}}
	default:
		return producerDecision{err: ErrSequenceGap}
	}
}
