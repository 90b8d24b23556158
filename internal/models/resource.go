package models

import (
	"sort"
	"time"
)

// Resource is a bookable seminar hall.
type Resource struct {
	ID        string    `yaml:"id" json:"id"`
	Name      string    `yaml:"name" json:"name"`
	Capacity  int       `yaml:"capacity" json:"capacity"`
	Location  string    `yaml:"location" json:"location"`
	Features  []string  `yaml:"features" json:"features"`
	CreatedAt time.Time `yaml:"-" json:"created_at"`
}

// NormalizeFeatures deduplicates and sorts the feature set.
func NormalizeFeatures(features []string) []string {
	seen := make(map[string]struct{}, len(features))
	out := make([]string, 0, len(features))
	for _, f := range features {
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}
	c := *r
	c.Features = append([]string(nil), r.Features...)
	return &c
}
