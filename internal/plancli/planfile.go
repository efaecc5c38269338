package plancli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/contenox/planengine/planvalidator"
	"gopkg.in/yaml.v3"
)

// loadPlanFile reads a proposed plan. Files ending in .json use the planner's
// JSON shape; anything else is read as YAML.
func loadPlanFile(path string) (planvalidator.ProposedPlan, error) {
	var plan planvalidator.ProposedPlan
	data, err := os.ReadFile(path)
	if err != nil {
		return plan, fmt.Errorf("failed to read plan file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &plan); err != nil {
			return plan, fmt.Errorf("%s: %w", path, err)
		}
		return plan, nil
	}
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return plan, fmt.Errorf("%s: %w", path, err)
	}
	return plan, nil
}
