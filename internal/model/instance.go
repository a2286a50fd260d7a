// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package model

import "encoding/json"

// instanceDoc mirrors the problem instance file schema from §6: apps,
// functions, components, resources, nodes, consumption, available_resources,
// app_descriptions, implementations.
type instanceDoc struct {
	Nodes              []string                       `json:"nodes"`
	Apps               []string                       `json:"apps"`
	Components         []string                       `json:"components"`
	Functions          []string                       `json:"functions"`
	Resources          []string                       `json:"resources"`
	Consumption        map[string]map[string]float64  `json:"consumption"`
	AvailableResources map[string]map[string]float64  `json:"available_resources"`
	Implementations    map[string][]string            `json:"implementations"`
	AppDescriptions    map[string]instanceAppDoc       `json:"app_descriptions"`
}

type instanceAppDoc struct {
	BaseNode    string                        `json:"base-node"`
	Components  []string                      `json:"components"`
	Constraints instanceConstraintsDoc        `json:"constraints"`
}

type instanceConstraintsDoc struct {
	Placement map[string]instanceConstraintDoc `json:"placement"`
}

type instanceConstraintDoc struct {
	Blacklist []string `json:"blacklist"`
	Whitelist []string `json:"whitelist"`
}

// ParseInstance decodes a problem instance file into a Problem.
func ParseInstance(data []byte) (*Problem, error) {
	var doc instanceDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	p := NewProblem()
	p.Nodes = doc.Nodes
	p.Components = doc.Components

	for name, consumption := range doc.Consumption {
		p.AddFunction(Function{Name: name, Consumption: Resources(consumption)})
	}
	for component, functions := range doc.Implementations {
		for _, f := range functions {
			p.AddImplementation(component, f)
		}
	}
	for node, available := range doc.AvailableResources {
		p.Available[node] = Resources(available).Clone()
		p.Total[node] = Resources(available).Clone()
	}

	for name, app := range doc.AppDescriptions {
		constraints := make(map[string]Constraint, len(app.Constraints.Placement))
		for component, c := range app.Constraints.Placement {
			constraints[component] = Constraint{
				Blacklist: c.Blacklist,
				Whitelist: c.Whitelist,
			}
		}
		desc := &AppDescription{
			BaseNode:    app.BaseNode,
			Components:  app.Components,
			Constraints: constraints,
		}
		if err := p.ExtendApps(name, desc, nil, nil); err != nil {
			return nil, err
		}
	}

	return p, nil
}
