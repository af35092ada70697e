package server

import (
	"strings"
	"sync/atomic"

	"github.com/kstaniek/go-can-decoder/internal/sample"
)

// subscription is the set of message names a client asked for. A nil set
// means every message.
type subscription struct {
	names atomic.Pointer[map[string]struct{}]
}

// parseSubscription reads one client command line: a comma or space
// separated list of message names. "*" or an empty line selects everything.
// The line terminator (\n or \r\n) is ignored.
func parseSubscription(line string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.TrimSpace(line), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f == "*" {
			return nil
		}
		set[f] = struct{}{}
	}
	return set
}

func (s *subscription) set(names map[string]struct{}) {
	if names == nil {
		s.names.Store(nil)
		return
	}
	s.names.Store(&names)
}

// filter appends the samples of batch the client wants to dst.
func (s *subscription) filter(dst, batch []sample.Sample) []sample.Sample {
	p := s.names.Load()
	if p == nil {
		return append(dst, batch...)
	}
	for _, smp := range batch {
		if _, ok := (*p)[smp.Message]; ok {
			dst = append(dst, smp)
		}
	}
	return dst
}
