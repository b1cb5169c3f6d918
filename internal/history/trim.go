package history

// trim evicts the oldest non-system messages until at most limit messages
// remain. System messages are always retained: they anchor assistant
// behavior for the whole conversation. When limit is smaller than the
// number of system messages plus one, the result holds all system messages
// and nothing else, and may exceed limit by the system count. That overrun
// is accepted policy, not a defect.
func trim(messages []Message, limit int) []Message {
	if len(messages) <= limit {
		return messages
	}

	excess := len(messages) - limit
	out := messages[:0]
	for _, m := range messages {
		if excess > 0 && m.Role != RoleSystem {
			excess--
			continue
		}
		out = append(out, m)
	}
	return out
}

// checkTrimInvariant verifies the post-trim bound: no more than limit
// messages beyond the retained system messages. A violation means the
// trimmer itself is broken and the entry must be reset.
func checkTrimInvariant(messages []Message, limit int) error {
	system := 0
	for _, m := range messages {
		if m.Role == RoleSystem {
			system++
		}
	}
	if len(messages)-system > limit {
		return ErrCacheState
	}
	return nil
}

// retainSystem returns only the system messages, preserving order. Used to
// reset an entry after an invariant violation.
func retainSystem(messages []Message) []Message {
	out := messages[:0]
	for _, m := range messages {
		if m.Role == RoleSystem {
			out = append(out, m)
		}
	}
	return out
}
