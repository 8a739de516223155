package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"aigc-platform/internal/models"
)

// Catalog resolves service descriptors and validates task input against the
// service's declared schema. The task core reads cost and the active flag at
// submit time and treats the input itself as opaque.
type Catalog interface {
	Get(ctx context.Context, serviceID string) (models.ServiceDescriptor, error)
	ValidateInput(serviceID string, input map[string]any) error
	List(ctx context.Context) []models.ServiceDescriptor
}

// InputValidator checks a service-specific input payload.
type InputValidator func(input map[string]any) error

// Static is an in-process catalog seeded at startup.
type Static struct {
	mu         sync.RWMutex
	services   map[string]models.ServiceDescriptor
	validators map[string]InputValidator
}

// NewStatic returns an empty catalog.
func NewStatic() *Static {
	return &Static{
		services:   make(map[string]models.ServiceDescriptor),
		validators: make(map[string]InputValidator),
	}
}

// Register adds or replaces a service and its input validator. A nil
// validator accepts any payload.
func (c *Static) Register(desc models.ServiceDescriptor, v InputValidator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[desc.ID] = desc
	if v != nil {
		c.validators[desc.ID] = v
	}
}

// SetActive flips a service's active flag.
func (c *Static) SetActive(serviceID string, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if desc, ok := c.services[serviceID]; ok {
		desc.Active = active
		c.services[serviceID] = desc
	}
}

// SetCost changes a service's price. Submissions carrying the old cost are
// rejected with StaleCost from then on.
func (c *Static) SetCost(serviceID string, cost int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if desc, ok := c.services[serviceID]; ok {
		desc.Cost = cost
		c.services[serviceID] = desc
	}
}

func (c *Static) Get(_ context.Context, serviceID string) (models.ServiceDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	desc, ok := c.services[serviceID]
	if !ok {
		return models.ServiceDescriptor{}, models.ErrUnknownService
	}
	return desc, nil
}

func (c *Static) ValidateInput(serviceID string, input map[string]any) error {
	c.mu.RLock()
	v, ok := c.validators[serviceID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return v(input)
}

func (c *Static) List(_ context.Context) []models.ServiceDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.ServiceDescriptor, 0, len(c.services))
	for _, desc := range c.services {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Seed registers the built-in generation services offered by the platform.
func Seed(c *Static, ageCost, hairCost int64) {
	c.Register(models.ServiceDescriptor{
		ID:          "image-age-transform",
		Name:        "Image age transform",
		Description: "Transforms a face photo to a target age (5 or 70).",
		Cost:        ageCost,
		Active:      true,
	}, ValidateAgeTransform)
	c.Register(models.ServiceDescriptor{
		ID:          "hair-style",
		Name:        "Hair style edit",
		Description: "Edits the hair style of a single-person portrait.",
		Cost:        hairCost,
		Active:      true,
	}, ValidateHairStyle)
}

// ValidateAgeTransform requires an uploaded image reference and one of the
// two supported target ages.
func ValidateAgeTransform(input map[string]any) error {
	if _, ok := input["image_ref"].(string); !ok {
		return fmt.Errorf("%w: image_ref is required", models.ErrInvalidInput)
	}
	age, ok := asInt(input["target_age"])
	if !ok || (age != 5 && age != 70) {
		return fmt.Errorf("%w: target_age must be 5 or 70", models.ErrInvalidInput)
	}
	return nil
}

var hairStyles = map[string]bool{"101": true, "201": true, "301": true, "401": true, "501": true}

// ValidateHairStyle requires an uploaded image reference and a supported
// style code.
func ValidateHairStyle(input map[string]any) error {
	if _, ok := input["image_ref"].(string); !ok {
		return fmt.Errorf("%w: image_ref is required", models.ErrInvalidInput)
	}
	style, _ := input["hair_style"].(string)
	if !hairStyles[style] {
		return fmt.Errorf("%w: unsupported hair_style %q", models.ErrInvalidInput, style)
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
