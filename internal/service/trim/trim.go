// Package trim bounds the conversation history sent to the model.
//
// History is grouped into turns: a turn starts at a user message and runs
// until the next one, so an assistant tool call is never separated from its
// tool results. Whole turns are dropped from the oldest end. The leading
// system message is always kept and never counted, and the newest turn is
// always kept even when it alone exceeds the character budget.
package trim

import "github.com/ashita-ai/tsugi/internal/model"

// Budget limits the history. A zero field disables that limit.
type Budget struct {
	MaxUserTurns int
	MaxChars     int
}

// Result is the trimmed history plus what was removed.
type Result struct {
	Messages        []model.Message
	DroppedSegments int
	DroppedMessages int
	DroppedChars    int
	KeptChars       int
}

// Messages trims msgs to at most maxTurns user turns and maxChars characters.
// When nothing needs dropping the input slice itself is returned.
func Messages(msgs []model.Message, maxTurns, maxChars int) []model.Message {
	return Apply(msgs, Budget{MaxUserTurns: maxTurns, MaxChars: maxChars}).Messages
}

type segment struct {
	msgs  []model.Message
	chars int
	user  bool
}

// Apply trims msgs under b and reports the dropped volume.
func Apply(msgs []model.Message, b Budget) Result {
	if b.MaxUserTurns <= 0 && b.MaxChars <= 0 {
		return Result{Messages: msgs}
	}

	head := 0
	if len(msgs) > 0 && msgs[0].Role == model.RoleSystem {
		head = 1
	}
	segs := split(msgs[head:])

	first := 0
	if b.MaxUserTurns > 0 {
		first = turnCut(segs, b.MaxUserTurns)
	}

	total := 0
	for _, s := range segs[first:] {
		total += s.chars
	}
	if b.MaxChars > 0 {
		for total > b.MaxChars && first < len(segs)-1 {
			total -= segs[first].chars
			first++
		}
	}

	if first == 0 {
		return Result{Messages: msgs, KeptChars: total}
	}

	res := Result{KeptChars: total, DroppedSegments: first}
	for _, s := range segs[:first] {
		res.DroppedMessages += len(s.msgs)
		res.DroppedChars += s.chars
	}
	out := make([]model.Message, 0, len(msgs)-res.DroppedMessages)
	out = append(out, msgs[:head]...)
	for _, s := range segs[first:] {
		out = append(out, s.msgs...)
	}
	res.Messages = out
	return res
}

// split groups messages into turns. Messages before the first user message
// form their own leading segment.
func split(msgs []model.Message) []segment {
	var segs []segment
	for i := 0; i < len(msgs); {
		j := i + 1
		for j < len(msgs) && msgs[j].Role != model.RoleUser {
			j++
		}
		s := segment{msgs: msgs[i:j:j], user: msgs[i].Role == model.RoleUser}
		for _, m := range s.msgs {
			s.chars += m.CharCount()
		}
		segs = append(segs, s)
		i = j
	}
	return segs
}

// turnCut returns the index of the first segment to keep so that at most
// maxTurns user turns remain.
func turnCut(segs []segment, maxTurns int) int {
	seen := 0
	for i := len(segs) - 1; i >= 0; i-- {
		if !segs[i].user {
			continue
		}
		seen++
		if seen == maxTurns {
			if i == firstUser(segs) {
				return 0
			}
			return i
		}
	}
	return 0
}

func firstUser(segs []segment) int {
	for i, s := range segs {
		if s.user {
			return i
		}
	}
	return -1
}
