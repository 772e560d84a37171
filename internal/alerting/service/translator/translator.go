// Package translator attaches readable names to raw dimension values.
//
// A translator never changes a raw value and only fills a display name that is still empty,
// so translators compose in any fixed order and running the chain twice is a no-op.
package translator

import (
	"context"
	"fmt"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/rs/zerolog/log"
)

// Fields maps a dimension key to its translation.
type Fields map[string]model.TranslationField

// FromDimensions builds the translation input for raw dimensions, keeping what was already
// translated for the same value.
func FromDimensions(dims map[string]string, prev map[string]model.TranslationField) Fields {
	out := make(Fields, len(dims))
	for k, v := range dims {
		f := model.TranslationField{Value: v}
		if p, ok := prev[k]; ok && p.Value == v {
			f.DisplayName = p.DisplayName
			f.DisplayKey = p.DisplayKey
		}
		out[k] = f
	}
	return out
}

func (f Fields) clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// setName fills the display name of key if it is still empty.
func (f Fields) setName(key, name string) {
	cur, ok := f[key]
	if !ok || name == "" || cur.DisplayName != "" {
		return
	}
	cur.DisplayName = name
	f[key] = cur
}

// setKey fills the display key of key if it is still empty.
func (f Fields) setKey(key, display string) {
	cur, ok := f[key]
	if !ok || display == "" || cur.DisplayKey != "" {
		return
	}
	cur.DisplayKey = display
	f[key] = cur
}

// Translator is one naming step. Translate returns a new map and leaves its input untouched.
// The strategy may be nil for third-party events.
type Translator interface {
	Name() string
	Translate(ctx context.Context, st *model.Strategy, in Fields) Fields
}

// Registry runs translators in registration order.
type Registry struct {
	chain []Translator
}

// Builders are the translators known by name.
func Builders(meta MetaProvider) map[string]func() Translator {
	return map[string]func() Translator{
		"biz":        func() Translator { return &BizTranslator{Meta: meta} },
		"host":       func() Translator { return &HostTranslator{Meta: meta} },
		"kubernetes": func() Translator { return &KubernetesTranslator{Meta: meta} },
		"apm":        func() Translator { return &APMTranslator{Meta: meta} },
		"corefile":   func() Translator { return CorefileTranslator{} },
	}
}

// NewRegistry builds the chain from configured names. Unknown names are a configuration error.
func NewRegistry(order []string, meta MetaProvider) (*Registry, error) {
	builders := Builders(meta)
	r := &Registry{}
	for _, name := range order {
		b, ok := builders[name]
		if !ok {
			return nil, model.FatalConfig(fmt.Errorf("unknown translator %q", name))
		}
		r.Register(b())
	}
	return r, nil
}

func (r *Registry) Register(t Translator) { r.chain = append(r.chain, t) }

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.chain))
	for _, t := range r.chain {
		out = append(out, t.Name())
	}
	return out
}

// Run applies the chain. A translator that panics is skipped so later ones still run.
func (r *Registry) Run(ctx context.Context, st *model.Strategy, in Fields) Fields {
	cur := in.clone()
	for _, t := range r.chain {
		cur = safeTranslate(ctx, t, st, cur)
	}
	return cur
}

func safeTranslate(ctx context.Context, t Translator, st *model.Strategy, in Fields) (out Fields) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("stage", "enrich").Str("translator", t.Name()).
				Interface("panic", rec).Msg("translator panicked")
			out = in
		}
	}()
	return t.Translate(ctx, st, in)
}

func logMetaErr(name, key string, err error) {
	log.Warn().Err(err).Str("stage", "enrich").Str("translator", name).Str("key", key).
		Msg("metadata lookup failed")
}
