package planner

import (
	"errors"
	"fmt"
	"strings"

	"tradeingest/internal/config"
	"tradeingest/internal/model"
)

// ErrMaxDepth is returned when a unit cannot be narrowed any further.
var ErrMaxDepth = errors.New("planner: maximum subdivision depth reached")

// Subdivider narrows a truncated unit into children that together cover the same data.
type Subdivider interface {
	Subdivide(unit model.FetchUnit) ([]model.FetchUnit, error)
}

func NewSubdivider(cfg config.SubdivideConfig) (Subdivider, error) {
	switch cfg.Policy {
	case "", config.PolicyChapter:
		return ChapterPolicy{MaxDepth: cfg.MaxDepth}, nil
	case config.PolicyPartner:
		if len(cfg.Partners) == 0 {
			return nil, errors.New("planner: partner policy needs at least one partner")
		}
		return PartnerPolicy{Partners: cfg.Partners, MaxDepth: cfg.MaxDepth}, nil
	default:
		return nil, fmt.Errorf("planner: unknown subdivide policy %q", cfg.Policy)
	}
}

// ChapterPolicy splits by HS chapter (01-97, 77 is reserved) and then by the chapter's
// four-digit headings.
type ChapterPolicy struct {
	MaxDepth int
}

func (p ChapterPolicy) Subdivide(unit model.FetchUnit) ([]model.FetchUnit, error) {
	if unit.Depth >= p.MaxDepth {
		return nil, ErrMaxDepth
	}
	switch unit.Depth {
	case 0:
		children := make([]model.FetchUnit, 0, 96)
		for chapter := 1; chapter <= 97; chapter++ {
			if chapter == 77 {
				continue
			}
			children = append(children, child(unit, model.RefineCommodity, fmt.Sprintf("%02d", chapter)))
		}
		return children, nil
	case 1:
		if unit.Refinement.Kind != model.RefineCommodity || len(unit.Refinement.Code) != 2 {
			return nil, ErrMaxDepth
		}
		children := make([]model.FetchUnit, 0, 99)
		for heading := 1; heading <= 99; heading++ {
			children = append(children, child(unit, model.RefineCommodity, fmt.Sprintf("%s%02d", unit.Refinement.Code, heading)))
		}
		return children, nil
	default:
		return nil, ErrMaxDepth
	}
}

// PartnerPolicy splits by a configured list of partner codes. It has a single level.
type PartnerPolicy struct {
	Partners []string
	MaxDepth int
}

func (p PartnerPolicy) Subdivide(unit model.FetchUnit) ([]model.FetchUnit, error) {
	if unit.Depth >= p.MaxDepth || unit.Depth >= 1 {
		return nil, ErrMaxDepth
	}
	children := make([]model.FetchUnit, 0, len(p.Partners))
	for _, partner := range p.Partners {
		code := strings.TrimSpace(partner)
		if code == "" {
			continue
		}
		children = append(children, child(unit, model.RefinePartner, code))
	}
	if len(children) == 0 {
		return nil, ErrMaxDepth
	}
	return children, nil
}

func child(parent model.FetchUnit, kind model.RefinementKind, code string) model.FetchUnit {
	return model.FetchUnit{
		Reporter:   parent.Reporter,
		Period:     parent.Period,
		Flow:       parent.Flow,
		Refinement: model.Refinement{Kind: kind, Code: code},
		Depth:      parent.Depth + 1,
	}
}
