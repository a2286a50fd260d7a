// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package messages defines the JSON wire schemas exchanged between
// nodes: per-batch votes, application advertisements, resource updates,
// and solution reports.
package messages

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidMessage wraps every schema-validation failure. Per the error
// handling design, invalid messages are logged and dropped, never fatal.
var ErrInvalidMessage = errors.New("messages: invalid message")

// Base carries the fields every message on the wire shares.
type Base struct {
	Sender    string  `json:"sender"`
	Timestamp float64 `json:"timestamp"`
}

// VotingEntry is one node's claim on a component, as carried on the wire.
type VotingEntry struct {
	Value         int     `json:"value"`
	Implementation string `json:"implementation,omitempty"`
	Timestamp     float64 `json:"timestamp"`
}

// VoteMessage is the per-batch vote message published on a node's own
// `<node>-drone` queue: the sender's voting table and derived winners for
// every app it has an opinion about.
type VoteMessage struct {
	Base
	Winners    map[string]map[string]string                  `json:"winners"`     // app -> component -> node|""
	VotingData map[string]map[string]map[string]VotingEntry `json:"voting-data"` // app -> component -> node -> entry
}

// AdvType names the kind of application-advertisement change.
type AdvType string

const (
	AdvAdd AdvType = "ADD"
	AdvDel AdvType = "DEL"
	AdvMod AdvType = "MOD"
)

// AdvFunctionSpec describes a component's implementing function as
// advertised on the wire.
type AdvFunctionSpec struct {
	Image     string         `json:"image"`
	Resources map[string]int `json:"resources"`
}

// AdvComponent is one component of an advertised app.
type AdvComponent struct {
	Name            string           `json:"name"`
	Function        *AdvFunctionSpec `json:"function,omitempty"`
	NodesBlacklist  []string         `json:"nodes-blacklist,omitempty"`
	NodesWhitelist  []string         `json:"nodes-whitelist,omitempty"`
}

// AppAdvMessage announces an app's lifecycle change to the network, on
// `APP_ADV_ROUTE`.
type AppAdvMessage struct {
	Base
	AppName    string         `json:"app_name"`
	Type       AdvType        `json:"type"`
	Components []AdvComponent `json:"components,omitempty"`
}

// Validate checks an AppAdvMessage is structurally well-formed given
// whether the app is already known to the receiver's problem model, per
// §6's validation rule: DEL requires app known; ADD requires app unknown
// and every new function's resources drawn from knownResources.
func (m *AppAdvMessage) Validate(appKnown bool, knownResources map[string]bool) error {
	switch m.Type {
	case AdvAdd:
		if appKnown {
			return fmt.Errorf("%w: ADD for already-known app %q", ErrInvalidMessage, m.AppName)
		}
		if len(m.Components) == 0 {
			return fmt.Errorf("%w: ADD requires at least one component", ErrInvalidMessage)
		}
		for _, c := range m.Components {
			if c.Name == "" || c.Function == nil {
				return fmt.Errorf("%w: component %q missing name or function", ErrInvalidMessage, c.Name)
			}
			for r := range c.Function.Resources {
				if knownResources != nil && !knownResources[r] {
					return fmt.Errorf("%w: component %q references unknown resource %q", ErrInvalidMessage, c.Name, r)
				}
			}
		}
	case AdvDel:
		if !appKnown {
			return fmt.Errorf("%w: DEL for unknown app %q", ErrInvalidMessage, m.AppName)
		}
	case AdvMod:
		if !appKnown {
			return fmt.Errorf("%w: MOD for unknown app %q", ErrInvalidMessage, m.AppName)
		}
	default:
		return fmt.Errorf("%w: unknown advertisement type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// ResourceMessage reports a node's currently available resource vector,
// on `RESOURCE_ROUTE`.
type ResourceMessage struct {
	Base
	NodeResources map[string]float64 `json:"node_resources"`
}

// LocalOffload is one function this node decided to host locally, as
// reported in a SolutionMessage.
type LocalOffload struct {
	Name    string          `json:"name"`
	AppName string          `json:"app_name"`
	Function AdvFunctionSpec `json:"function"`
}

// SolutionMessage reports a node's current placement decision, emitted on
// `SOLUTION_ROUTE` after each full broadcast of its voting state.
type SolutionMessage struct {
	Base
	LocalOffloading   []LocalOffload                     `json:"local-offloading"`
	OverallOffloading map[string]map[string]string       `json:"overall-offloading"`
}

// Decode unmarshals data into v, wrapping any error as ErrInvalidMessage
// so handlers can uniformly log-and-drop malformed payloads.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// Encode marshals v to JSON.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
