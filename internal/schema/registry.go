// Package schema validates event payloads against registered per-variant
// forms. Schemas are addressed by (event_type, schema_version) and registered
// explicitly at startup; there are no import-time side effects.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/ragline/ragline/internal/domain"
)

type key struct {
	eventType string
	version   int
}

type Registry struct {
	mu       sync.RWMutex
	forms    map[key]reflect.Type
	validate *validator.Validate
}

func NewRegistry() *Registry {
	return &Registry{
		forms:    make(map[key]reflect.Type),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Default returns a registry populated with the built-in event contracts.
func Default() *Registry {
	r := NewRegistry()
	r.MustRegister("order_created", 1, OrderCreatedV1{})
	r.MustRegister("order_updated", 1, OrderUpdatedV1{})
	r.MustRegister("order_cancelled", 1, OrderCancelledV1{})
	r.MustRegister("notification_sent", 1, NotificationSentV1{})
	return r
}

// Register adds a payload form for (eventType, version). The prototype must
// be a struct value; a fresh instance is decoded into on every validation.
func (r *Registry) Register(eventType string, version int, prototype any) error {
	t := reflect.TypeOf(prototype)
	if t == nil || t.Kind() != reflect.Struct {
		return fmt.Errorf("schema prototype for %s v%d must be a struct", eventType, version)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forms[key{eventType, version}] = t
	return nil
}

func (r *Registry) MustRegister(eventType string, version int, prototype any) {
	if err := r.Register(eventType, version, prototype); err != nil {
		panic(err)
	}
}

// Known reports whether any version of eventType is registered. The reader
// forwards unknown-on-read events untouched; the writer rejects them.
func (r *Registry) Known(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k := range r.forms {
		if k.eventType == eventType {
			return true
		}
	}
	return false
}

// KnownVersion reports whether (eventType, version) itself is registered.
// A known type carrying an unregistered version is a contract conflict, not
// a producer running ahead of this binary.
func (r *Registry) KnownVersion(eventType string, version int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.forms[key{eventType, version}]
	return ok
}

// Validate checks the envelope header and decodes the payload into its
// registered form. Extra payload fields from newer minor versions are
// tolerated; missing or malformed required fields are not.
func (r *Registry) Validate(env *domain.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	r.mu.RLock()
	t, ok := r.forms[key{env.EventType, env.SchemaVersion}]
	r.mu.RUnlock()
	if !ok {
		return domain.ErrValidationMeta("unregistered event schema", map[string]string{
			"event_type":     env.EventType,
			"schema_version": fmt.Sprintf("%d", env.SchemaVersion),
		})
	}

	form := reflect.New(t).Interface()
	if err := json.Unmarshal(env.Payload, form); err != nil {
		return domain.ErrValidationMeta("payload does not decode into schema", map[string]string{
			"event_type": env.EventType,
			"error":      err.Error(),
		})
	}
	if err := r.validate.Struct(form); err != nil {
		return domain.ErrValidationMeta("payload fails schema validation", map[string]string{
			"event_type": env.EventType,
			"error":      err.Error(),
		})
	}
	return nil
}
