// cmd_profile.go - YAML-Profile fuer generate, pull und serve
// Hauptfunktionen: loadProfile, Profile.apply
package cmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/7blacky7/sdgen/weights"
)

// Profile haelt wiederkehrende Einstellungen. Explizit gesetzte Flags
// haben Vorrang vor dem Profil.
type Profile struct {
	Version    string `yaml:"sd_version"`
	DType      string `yaml:"dtype"`
	Repository string `yaml:"repository"`
	Scheduler  string `yaml:"scheduler"`
	Truncate   *bool  `yaml:"truncate"`
	CPU        *bool  `yaml:"cpu"`

	UncondPrompt  string   `yaml:"uncond_prompt"`
	Width         int      `yaml:"width"`
	Height        int      `yaml:"height"`
	Steps         int      `yaml:"n_steps"`
	GuidanceScale *float64 `yaml:"guidance_scale"`

	// Weights: Rolle (unet, vae, clip, clip2, tokenizer, tokenizer2) -> lokale Datei
	Weights map[string]string `yaml:"weights"`
}

func loadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	for name := range p.Weights {
		if _, err := weights.ParseRole(name); err != nil {
			return nil, fmt.Errorf("profile %s: %w", path, err)
		}
	}
	return &p, nil
}

// apply uebernimmt Profilwerte fuer alle Flags, die changed nicht meldet.
// g darf nil sein (pull, serve).
func (p *Profile) apply(m *modelOptions, g *generateOptions, changed func(string) bool) {
	setString := func(flag string, dst *string, v string) {
		if v != "" && !changed(flag) {
			*dst = v
		}
	}
	setInt := func(flag string, dst *int, v int) {
		if v != 0 && !changed(flag) {
			*dst = v
		}
	}
	setBool := func(flag string, dst *bool, v *bool) {
		if v != nil && !changed(flag) {
			*dst = *v
		}
	}

	setString("sd-version", &m.Version, p.Version)
	setString("dtype", &m.DType, p.DType)
	setString("repository", &m.Repository, p.Repository)
	setString("scheduler", &m.Scheduler, p.Scheduler)
	setBool("truncate", &m.Truncate, p.Truncate)
	setBool("cpu", &m.CPU, p.CPU)

	for name, path := range p.Weights {
		role, _ := weights.ParseRole(name)
		if changed(weightFlags[role]) {
			continue
		}
		if m.Weights == nil {
			m.Weights = map[weights.Role]string{}
		}
		m.Weights[role] = path
	}

	if g == nil {
		return
	}
	setString("uncond-prompt", &g.UncondPrompt, p.UncondPrompt)
	setInt("width", &g.Width, p.Width)
	setInt("height", &g.Height, p.Height)
	setInt("n-steps", &g.Steps, p.Steps)
	if p.GuidanceScale != nil && !changed("guidance-scale") {
		g.GuidanceScale = p.GuidanceScale
	}
}
