package fsm

import (
	"strings"
	"testing"
	"time"
)

func validProgram() Program {
	return Program{
		Name: "test",
		States: []State{{
			Name:        "Watch",
			Timer:       200 * time.Millisecond,
			Transitions: map[string]string{Tup: Exit, "Port1In": "Watch"},
		}},
	}
}

func TestValidateAcceptsWellFormedProgram(t *testing.T) {
	if err := validProgram().Validate(); err != nil {
		t.Errorf("expected valid program, got %v", err)
	}
}

func TestValidateRejectsEmptyProgram(t *testing.T) {
	p := Program{Name: "empty"}
	if err := p.Validate(); err == nil {
		t.Error("expected error for program with no states")
	}
}

func TestValidateRejectsMalformedStates(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Program)
		wantSub string
	}{
		{
			name:    "empty state name",
			mutate:  func(p *Program) { p.States[0].Name = "" },
			wantSub: "empty name",
		},
		{
			name:    "reserved state name",
			mutate:  func(p *Program) { p.States[0].Name = Exit },
			wantSub: "reserved",
		},
		{
			name: "duplicate state name",
			mutate: func(p *Program) {
				p.States = append(p.States, p.States[0])
			},
			wantSub: "duplicate",
		},
		{
			name:    "zero timer",
			mutate:  func(p *Program) { p.States[0].Timer = 0 },
			wantSub: "no timer",
		},
		{
			name:    "negative timer",
			mutate:  func(p *Program) { p.States[0].Timer = -time.Second },
			wantSub: "no timer",
		},
		{
			name: "missing Tup transition",
			mutate: func(p *Program) {
				delete(p.States[0].Transitions, Tup)
			},
			wantSub: "no Tup transition",
		},
		{
			name: "transition to unknown state",
			mutate: func(p *Program) {
				p.States[0].Transitions["Port2In"] = "Nowhere"
			},
			wantSub: "unknown state",
		},
		{
			name: "Tup self-loop never exits",
			mutate: func(p *Program) {
				p.States[0].Transitions[Tup] = p.States[0].Name
			},
			wantSub: "cannot reach exit",
		},
		{
			name: "Tup cycle between states never exits",
			mutate: func(p *Program) {
				p.States[0].Transitions[Tup] = "Other"
				p.States = append(p.States, State{
					Name:        "Other",
					Timer:       50 * time.Millisecond,
					Transitions: map[string]string{Tup: p.States[0].Name},
				})
			},
			wantSub: "cannot reach exit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProgram()
			tt.mutate(&p)
			err := p.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidateAcceptsMultiStateProgram(t *testing.T) {
	p := Program{
		Name: "two-step",
		States: []State{
			{
				Name:        "First",
				Timer:       50 * time.Millisecond,
				Transitions: map[string]string{Tup: "Second"},
			},
			{
				Name:        "Second",
				Timer:       50 * time.Millisecond,
				Transitions: map[string]string{Tup: Exit},
			},
		},
	}
	if err := p.Validate(); err != nil {
		t.Errorf("expected valid program, got %v", err)
	}
}

func TestPortEventNames(t *testing.T) {
	if got := PortIn(1); got != "Port1In" {
		t.Errorf("PortIn(1) = %q, want Port1In", got)
	}
	if got := PortOut(8); got != "Port8Out" {
		t.Errorf("PortOut(8) = %q, want Port8Out", got)
	}
}

func TestParsePortEvent(t *testing.T) {
	tests := []struct {
		name     string
		wantPort int
		wantIn   bool
		wantOK   bool
	}{
		{"Port1In", 1, true, true},
		{"Port1Out", 1, false, true},
		{"Port8In", 8, true, true},
		{"Port8Out", 8, false, true},
		{"Port12In", 12, true, true},
		{"Tup", 0, false, false},
		{"", 0, false, false},
		{"Port", 0, false, false},
		{"PortIn", 0, false, false},
		{"PortOut", 0, false, false},
		{"PortXIn", 0, false, false},
		{"BNC1High", 0, false, false},
		{"SoftCode1", 0, false, false},
		{"port1In", 0, false, false},
	}

	for _, tt := range tests {
		port, in, ok := ParsePortEvent(tt.name)
		if ok != tt.wantOK {
			t.Errorf("ParsePortEvent(%q) ok = %v, want %v", tt.name, ok, tt.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if port != tt.wantPort || in != tt.wantIn {
			t.Errorf("ParsePortEvent(%q) = (%d, %v), want (%d, %v)",
				tt.name, port, in, tt.wantPort, tt.wantIn)
		}
	}
}

func TestParsePortEventRoundTrip(t *testing.T) {
	for port := 1; port <= 8; port++ {
		p, in, ok := ParsePortEvent(PortIn(port))
		if !ok || p != port || !in {
			t.Errorf("round trip PortIn(%d) failed: (%d, %v, %v)", port, p, in, ok)
		}
		p, in, ok = ParsePortEvent(PortOut(port))
		if !ok || p != port || in {
			t.Errorf("round trip PortOut(%d) failed: (%d, %v, %v)", port, p, in, ok)
		}
	}
}
