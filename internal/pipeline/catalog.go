package pipeline

import (
	"errors"
	"fmt"
	"sort"

	"doodle-forge/backend/internal/flows"
	"doodle-forge/backend/pkg/models"
)

var (
	// ErrUnknownRecipe is returned when a submission names a recipe that does not exist.
	ErrUnknownRecipe = errors.New("unknown recipe")
	// ErrEmptyPlan is returned when a submission resolves to no stages.
	ErrEmptyPlan = errors.New("no stages requested")
	// ErrReservedStage is returned for flows that only the pipeline may run.
	ErrReservedStage = errors.New("flow cannot be requested as a stage")
)

// Stage is one resolved step of a request's plan.
type Stage struct {
	Flow string
	Cost int64
	// Visible artifacts are returned to the caller and must pass moderation.
	Visible bool
	// ModerateFields lists the output fields sent to moderation. Empty means
	// every string field not named in ImageFields.
	ModerateFields []string
	// ImageFields name the output fields that carry image data or URLs.
	ImageFields []string
	// Params are stage defaults; the payload and earlier outputs override them.
	Params map[string]any
}

// StageDefaults configures how a flow behaves as a pipeline stage.
type StageDefaults struct {
	Cost           int64
	Visible        bool
	ModerateFields []string
	ImageFields    []string
	Params         map[string]any
}

// Recipe is a named stage sequence.
type Recipe struct {
	Name        string
	Description string
	Stages      []string
}

// DefaultCosts returns the per-flow credit cost used when configuration is silent.
func DefaultCosts() map[string]int64 {
	return map[string]int64{
		flows.FlowCleanupDrawing: 3,
		flows.FlowFunnyName:      1,
		flows.FlowTitle:          1,
		flows.FlowAvatar:         4,
		flows.FlowUpscale:        2,
		flows.FlowModerate:       0,
	}
}

func defaultStages() map[string]StageDefaults {
	return map[string]StageDefaults{
		flows.FlowCleanupDrawing: {Visible: true, ModerateFields: []string{"description"}, ImageFields: []string{"image"}},
		flows.FlowFunnyName:      {Visible: true},
		flows.FlowTitle:          {Visible: true},
		flows.FlowAvatar:         {Visible: true, ModerateFields: []string{"description"}, ImageFields: []string{"image"}},
		flows.FlowUpscale:        {Visible: true, ImageFields: []string{"image"}, Params: map[string]any{"scale": 2}},
	}
}

// DefaultRecipes returns the built-in recipes.
func DefaultRecipes() []Recipe {
	return []Recipe{
		{Name: "cleanup", Description: "Clean up a drawing.", Stages: []string{flows.FlowCleanupDrawing}},
		{Name: "funny-name", Description: "Name the thing in a drawing.", Stages: []string{flows.FlowFunnyName}},
		{Name: "title", Description: "Title a drawing.", Stages: []string{flows.FlowTitle}},
		{Name: "avatar", Description: "Title a drawing, then draw an avatar for it.", Stages: []string{flows.FlowTitle, flows.FlowAvatar}},
		{Name: "upscale", Description: "Upscale an image.", Stages: []string{flows.FlowUpscale}},
		{
			Name:        "full",
			Description: "Clean up a drawing, name it, title it and draw its avatar.",
			Stages:      []string{flows.FlowCleanupDrawing, flows.FlowFunnyName, flows.FlowTitle, flows.FlowAvatar},
		},
	}
}

// FlowCatalog is the read side of the flow registry.
type FlowCatalog interface {
	Lookup(name string) (*flows.Flow, bool)
	Names() []string
}

// Catalog resolves submissions into stage plans.
type Catalog struct {
	registry FlowCatalog
	stages   map[string]StageDefaults
	recipes  map[string]Recipe
}

// NewCatalog builds a Catalog over registry. costs overrides DefaultCosts
// per flow; nil keeps the defaults.
func NewCatalog(registry FlowCatalog, costs map[string]int64) *Catalog {
	merged := DefaultCosts()
	for name, cost := range costs {
		merged[name] = cost
	}

	stages := defaultStages()
	for name, cost := range merged {
		d, ok := stages[name]
		if !ok && name != flows.FlowModerate {
			d.Visible = true
		}
		d.Cost = cost
		stages[name] = d
	}

	c := &Catalog{registry: registry, stages: stages, recipes: make(map[string]Recipe)}
	for _, r := range DefaultRecipes() {
		c.recipes[r.Name] = r
	}
	return c
}

// AddRecipe registers or replaces a recipe.
func (c *Catalog) AddRecipe(r Recipe) {
	c.recipes[r.Name] = r
}

// Plan resolves a recipe name or an explicit flow list into stages.
// An explicit list wins over a recipe when both are given.
func (c *Catalog) Plan(recipe string, names []string) ([]Stage, error) {
	if len(names) == 0 {
		if recipe == "" {
			return nil, ErrEmptyPlan
		}
		r, ok := c.recipes[recipe]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRecipe, recipe)
		}
		names = r.Stages
	}

	plan := make([]Stage, 0, len(names))
	for _, name := range names {
		if name == flows.FlowModerate {
			return nil, fmt.Errorf("%w: %s", ErrReservedStage, name)
		}
		if _, ok := c.registry.Lookup(name); !ok {
			return nil, fmt.Errorf("%w: %s", flows.ErrUnknownFlow, name)
		}
		d, ok := c.stages[name]
		if !ok {
			// registered flows without defaults are visible and fully moderated
			d = StageDefaults{Visible: true}
		}
		plan = append(plan, Stage{
			Flow:           name,
			Cost:           d.Cost,
			Visible:        d.Visible,
			ModerateFields: d.ModerateFields,
			ImageFields:    d.ImageFields,
			Params:         d.Params,
		})
	}
	if len(plan) == 0 {
		return nil, ErrEmptyPlan
	}
	return plan, nil
}

// TotalCost sums the cost of every stage.
func TotalCost(plan []Stage) int64 {
	var total int64
	for _, s := range plan {
		total += s.Cost
	}
	return total
}

// Describe lists the flows and recipes a client can request.
func (c *Catalog) Describe() models.Catalog {
	var out models.Catalog
	for _, name := range c.registry.Names() {
		if name == flows.FlowModerate {
			continue
		}
		f, _ := c.registry.Lookup(name)
		d, ok := c.stages[name]
		if !ok {
			d = StageDefaults{Visible: true}
		}
		out.Flows = append(out.Flows, models.FlowInfo{
			Name:         name,
			Description:  f.Description,
			Cost:         d.Cost,
			Visible:      d.Visible,
			InputSchema:  f.Input.Schema(),
			OutputSchema: f.Output.Schema(),
		})
	}

	names := make([]string, 0, len(c.recipes))
	for name := range c.recipes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r := c.recipes[name]
		plan, err := c.Plan(name, nil)
		if err != nil {
			continue
		}
		out.Recipes = append(out.Recipes, models.RecipeInfo{
			Name:        r.Name,
			Description: r.Description,
			Stages:      r.Stages,
			Cost:        TotalCost(plan),
		})
	}
	return out
}
