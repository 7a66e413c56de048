package server

import (
	"testing"

	"github.com/skypro1111/classlink-audio/internal/protocol"
	"github.com/skypro1111/classlink-audio/internal/transport"
)

type recordingSender struct {
	datagrams [][]byte
	fail      bool
}

func (s *recordingSender) Send(datagram []byte) bool {
	if s.fail {
		return false
	}
	s.datagrams = append(s.datagrams, datagram)
	return true
}

func TestSelectRoute(t *testing.T) {
	tests := []struct {
		name  string
		flags protocol.Flags
		want  Route
	}{
		{"private", protocol.NewFlags(false, false), RoutePrivate},
		{"class", protocol.NewFlags(false, true), RouteClass},
		{"ai", protocol.NewFlags(true, false), RouteAI},
		{"ai wins over class", protocol.NewFlags(true, true), RouteAI},
		{"unknown bits ignored", protocol.Flags(0x80), RoutePrivate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectRoute(tt.flags); got != tt.want {
				t.Errorf("Expected route %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRouterForward(t *testing.T) {
	ai := &recordingSender{}
	classA := &recordingSender{}
	classB := &recordingSender{fail: true}

	r := NewRouter(map[Route][]transport.DatagramSender{
		RouteAI:    {ai},
		RouteClass: {classA, classB},
	}, nil, nil)

	datagram := []byte{0xA1, 0x02, 0, 0, 0, 0, 1, 2}

	if n := r.Forward(protocol.NewFlags(false, true), datagram); n != 1 {
		t.Errorf("Expected 1 class target to accept, got %d", n)
	}
	if len(classA.datagrams) != 1 || len(ai.datagrams) != 0 {
		t.Errorf("Expected class audio only at class targets, got class=%d ai=%d",
			len(classA.datagrams), len(ai.datagrams))
	}

	if n := r.Forward(protocol.NewFlags(true, true), datagram); n != 1 {
		t.Errorf("Expected AI target to accept, got %d", n)
	}

	if n := r.Forward(protocol.NewFlags(false, false), datagram); n != 0 {
		t.Errorf("Expected private audio without targets to be dropped, got %d", n)
	}
}

func TestDialRouterValidation(t *testing.T) {
	tests := []struct {
		name    string
		targets RouterTargets
		wantErr bool
	}{
		{"valid", RouterTargets{AI: []string{"127.0.0.1:6000"}, Class: []string{"localhost:6001"}}, false},
		{"missing port", RouterTargets{Class: []string{"localhost"}}, true},
		{"bad port", RouterTargets{Private: []string{"localhost:http"}}, true},
		{"empty", RouterTargets{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := DialRouter(tt.targets, 0, nil, nil)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			defer r.Close()

			stats := r.Stats()
			if got := len(stats[RouteAI]); got != len(tt.targets.AI) {
				t.Errorf("Expected %d AI targets, got %d", len(tt.targets.AI), got)
			}
		})
	}
}
