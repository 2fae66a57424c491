package forecast

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bluesphere/oceantemp/internal/models"
	"github.com/bluesphere/oceantemp/internal/store"
)

// Registry maps model types to constructors and carries the latest
// validation record per type. It is built explicitly and injected into
// the engine; there is no package-level instance.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() Model
	records   map[string]*modelRecord
}

type modelRecord struct {
	model models.ForecastModel
	skill []models.SkillBucket
}

// NewRegistry returns a registry with the standard models registered.
// The ensemble is built over the other three, weighted by validation
// skill when records are present.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]func() Model),
		records:   make(map[string]*modelRecord),
	}
	r.Register(ModelPersistence, func() Model { return NewPersistence() })
	r.Register(ModelClimatology, func() Model { return NewClimatology() })
	r.Register(ModelSeasonalTrend, func() Model { return NewSeasonalTrend() })
	r.Register(ModelEnsemble, func() Model { return r.buildEnsemble() })
	return r
}

func (r *Registry) Register(name string, factory func() Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// New constructs a fresh, unfitted model of the given type.
func (r *Registry) New(modelType string) (Model, error) {
	r.mu.RLock()
	factory, ok := r.factories[modelType]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownModelError{Type: modelType}
	}
	return factory(), nil
}

// Types lists the registered model types in stable order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SetRecord installs the latest validation result for a model type.
func (r *Registry) SetRecord(m models.ForecastModel, skill []models.SkillBucket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[m.Type] = &modelRecord{model: m, skill: skill}
}

// Record returns the latest validation result for a model type, if any.
func (r *Registry) Record(modelType string) (models.ForecastModel, []models.SkillBucket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[modelType]
	if !ok {
		return models.ForecastModel{}, nil, false
	}
	return rec.model, rec.skill, true
}

// LoadFromStore seeds the registry with each type's newest persisted
// validation record. Types never validated stay unrecorded.
func (r *Registry) LoadFromStore(st *store.Store) error {
	for _, modelType := range r.Types() {
		rec, err := st.LatestModelByType(modelType)
		if err != nil {
			return fmt.Errorf("load model %s: %w", modelType, err)
		}
		if rec == nil {
			continue
		}
		skill, err := st.GetSkillBuckets(rec.ID)
		if err != nil {
			return fmt.Errorf("load skill %s: %w", modelType, err)
		}
		r.SetRecord(*rec, skill)
	}
	return nil
}

func (r *Registry) buildEnsemble() Model {
	members := []Model{NewPersistence(), NewClimatology(), NewSeasonalTrend()}
	weights := make([]float64, len(members))
	for i, m := range members {
		weights[i] = r.skillWeight(m.Type())
	}
	return NewEnsemble(members, weights, defaultCorrelation)
}

// skillWeight is inverse-variance weighting from validation RMSE; an
// unvalidated member gets unit weight.
func (r *Registry) skillWeight(modelType string) float64 {
	rec, _, ok := r.Record(modelType)
	if !ok || !rec.RMSE.Valid || rec.RMSE.Float64 <= 0 {
		return 1
	}
	return 1 / (rec.RMSE.Float64 * rec.RMSE.Float64)
}
