// Package project models the work hierarchy an agent executes against:
// a project owns features, features own milestones, milestones own goals.
// Goals are the only executable unit; everything above them is structure.
package project

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Goal is one executable unit of work.
type Goal struct {
	ID        string `yaml:"id" json:"id"`
	Title     string `yaml:"title" json:"title"`
	Completed bool   `yaml:"completed,omitempty" json:"completed"`
}

// Milestone groups goals under a feature.
type Milestone struct {
	ID    string `yaml:"id" json:"id"`
	Title string `yaml:"title" json:"title"`
	Goals []Goal `yaml:"goals,omitempty" json:"goals"`
}

// Feature groups milestones under a project.
type Feature struct {
	ID         string      `yaml:"id" json:"id"`
	Title      string      `yaml:"title" json:"title"`
	Milestones []Milestone `yaml:"milestones,omitempty" json:"milestones"`
}

// Project is the root of the work hierarchy.
type Project struct {
	ID       string    `yaml:"id" json:"id"`
	Name     string    `yaml:"name" json:"name"`
	Features []Feature `yaml:"features,omitempty" json:"features"`
}

// GoalRef is a goal plus the path that locates it in the hierarchy.
type GoalRef struct {
	ProjectID   string
	FeatureID   string
	MilestoneID string
	Goal        Goal
}

// Tree is the read surface the execution loop walks when expanding goals.
type Tree interface {
	// Project returns the root project.
	Project() Project
	// PendingGoals returns the incomplete goals in hierarchy order.
	PendingGoals() []GoalRef
}

type staticTree struct {
	project Project
}

// NewTree wraps a validated project in a Tree.
func NewTree(p Project) (Tree, error) {
	if err := validate(p); err != nil {
		return nil, err
	}
	return &staticTree{project: p}, nil
}

func (t *staticTree) Project() Project { return t.project }

func (t *staticTree) PendingGoals() []GoalRef {
	var out []GoalRef
	for _, feature := range t.project.Features {
		for _, milestone := range feature.Milestones {
			for _, goal := range milestone.Goals {
				if goal.Completed {
					continue
				}
				out = append(out, GoalRef{
					ProjectID:   t.project.ID,
					FeatureID:   feature.ID,
					MilestoneID: milestone.ID,
					Goal:        goal,
				})
			}
		}
	}
	return out
}

// LoadFile reads a project definition from a YAML file.
func LoadFile(path string) (Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project file: %w", err)
	}
	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse project file %s: %w", path, err)
	}
	return NewTree(p)
}

func validate(p Project) error {
	if p.ID == "" {
		return fmt.Errorf("project: id required")
	}
	seen := make(map[string]struct{})
	for _, feature := range p.Features {
		if feature.ID == "" {
			return fmt.Errorf("project %s: feature id required", p.ID)
		}
		for _, milestone := range feature.Milestones {
			if milestone.ID == "" {
				return fmt.Errorf("feature %s: milestone id required", feature.ID)
			}
			for _, goal := range milestone.Goals {
				if goal.ID == "" {
					return fmt.Errorf("milestone %s: goal id required", milestone.ID)
				}
				if goal.Title == "" {
					return fmt.Errorf("goal %s: title required", goal.ID)
				}
				if _, dup := seen[goal.ID]; dup {
					return fmt.Errorf("goal %s: duplicate id", goal.ID)
				}
				seen[goal.ID] = struct{}{}
			}
		}
	}
	return nil
}
