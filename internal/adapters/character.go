package adapters

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ternarybob/maestro/internal/interfaces"
	"github.com/ternarybob/maestro/internal/models"
	"github.com/ternarybob/maestro/internal/storage/jobfs"
	"github.com/ternarybob/maestro/internal/uir"
)

const (
	// DefaultCharacterID is selected when nothing else matches.
	DefaultCharacterID = "samurai_01"

	defaultCharacterStaticBase = "/static/characters"
	defaultSkeleton            = "SMPL_22"
	mimeGLB                    = "model/gltf-binary"
)

var (
	tokenSplit  = regexp.MustCompile(`[^a-z0-9]+`)
	nonAlphaNum = regexp.MustCompile(`[^a-z0-9]`)
)

// CharacterEntry is one selectable rigged character.
type CharacterEntry struct {
	CharacterID string   `yaml:"character_id" json:"character_id"`
	Tags        []string `yaml:"tags" json:"tags"`
	ModelURI    string   `yaml:"model_uri,omitempty" json:"model_uri,omitempty"`
	Skeleton    string   `yaml:"skeleton,omitempty" json:"skeleton,omitempty"`
	Scale       float64  `yaml:"scale,omitempty" json:"scale,omitempty"`
}

func (e CharacterEntry) resolvedModelURI(baseURI string) string {
	if e.ModelURI != "" {
		return e.ModelURI
	}
	base := strings.TrimRight(strings.TrimSpace(baseURI), "/")
	if base == "" {
		base = defaultCharacterStaticBase
	}
	return base + "/" + e.CharacterID + ".glb"
}

// DefaultCharacterLibrary returns the embedded character set.
func DefaultCharacterLibrary() []CharacterEntry {
	return []CharacterEntry{
		{CharacterID: "samurai_01", Tags: []string{"samurai", "warrior", "action", "epic", "cinematic", "fight"}},
		{CharacterID: "anime_01", Tags: []string{"anime", "manga", "stylized", "cute"}},
		{CharacterID: "toon_01", Tags: []string{"cartoon", "toon", "stylized", "playful"}},
		{CharacterID: "lowpoly_01", Tags: []string{"lowpoly", "stylized", "playful"}},
		{CharacterID: "realistic_01", Tags: []string{"realistic", "photoreal", "cinematic", "modern"}},
	}
}

// characterLibraryFile is the YAML document layout accepted by
// LoadCharacterLibrary.
type characterLibraryFile struct {
	Characters []CharacterEntry `yaml:"characters"`
}

// LoadCharacterLibrary reads a YAML character library. Entries without
// a character_id are dropped; skeleton and scale default per entry.
func LoadCharacterLibrary(path string) ([]CharacterEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read character library: %w", err)
	}
	var file characterLibraryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse character library: %w", err)
	}
	entries := make([]CharacterEntry, 0, len(file.Characters))
	for _, entry := range file.Characters {
		entry.CharacterID = strings.TrimSpace(entry.CharacterID)
		if entry.CharacterID == "" {
			continue
		}
		entries = append(entries, normalizeEntry(entry))
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("character library %s has no usable entries", path)
	}
	return entries, nil
}

func normalizeEntry(entry CharacterEntry) CharacterEntry {
	if entry.Skeleton == "" {
		entry.Skeleton = defaultSkeleton
	}
	if entry.Scale == 0 {
		entry.Scale = 1.0
	}
	tags := make([]string, 0, len(entry.Tags))
	for _, tag := range entry.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	entry.Tags = tags
	return entry
}

// CharacterSelector picks a rigged character from a static library by
// explicit id or by matching style/mood tokens against entry tags.
type CharacterSelector struct {
	staticBase string
	staticDir  string
	library    []CharacterEntry
	index      map[string]CharacterEntry
}

// NewCharacterSelector builds the selector. An empty library falls
// back to the embedded default; staticDir is the optional local
// directory holding the .glb files and may be empty.
func NewCharacterSelector(staticBase, staticDir string, library []CharacterEntry) *CharacterSelector {
	if len(library) == 0 {
		library = DefaultCharacterLibrary()
	}
	normalized := make([]CharacterEntry, len(library))
	index := make(map[string]CharacterEntry, len(library))
	for i, entry := range library {
		normalized[i] = normalizeEntry(entry)
		index[normalized[i].CharacterID] = normalized[i]
	}
	base := strings.TrimSpace(staticBase)
	if base == "" {
		base = defaultCharacterStaticBase
	}
	return &CharacterSelector{
		staticBase: base,
		staticDir:  strings.TrimSpace(staticDir),
		library:    normalized,
		index:      index,
	}
}

func (s *CharacterSelector) ProviderID() string  { return "builtin_library" }
func (s *CharacterSelector) Modality() string    { return models.ModalityCharacter }
func (s *CharacterSelector) MaxConcurrency() int { return 1 }

func (s *CharacterSelector) Validate(u *models.UIR) error {
	if err := uir.Validate(u); err != nil {
		return err
	}
	if !u.Modules.Character.Enabled {
		return fmt.Errorf("modules.character.enabled must be true")
	}
	return nil
}

func (s *CharacterSelector) Run(ctx context.Context, job *models.Job, rep interfaces.StageReporter) (*models.AdapterResult, error) {
	warnings := []string{}
	log := newStageLogger(job.Dir, s.Modality(), rep)
	defer log.Close()

	outputDir, err := ResolveOutputDir(job.Dir, s.Modality())
	if err != nil {
		return nil, err
	}
	if err := assertDirWritable(outputDir); err != nil {
		log.Line("[io] " + err.Error())
		return models.FailedResult(s.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"output directory is not writable",
			map[string]any{"path": outputDir, "error": err.Error()},
		)), nil
	}

	rep.Stage("select", 0.2, "selecting character", nil)
	selection := s.selectCharacter(job.UIR, &warnings, log)

	manifest := map[string]any{
		"character_id":   selection.entry.CharacterID,
		"model_uri":      selection.modelURI,
		"skeleton":       selection.entry.Skeleton,
		"scale":          selection.entry.Scale,
		"tags":           selection.entry.Tags,
		"matched_tokens": selection.matched,
		"notes":          selection.notes,
	}
	manifestPath := filepath.Join(outputDir, "character_manifest.json")
	if err := jobfs.WriteJSON(manifestPath, manifest); err != nil {
		log.Line("[io] " + err.Error())
		return models.FailedResult(s.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"failed to write character_manifest.json",
			map[string]any{"path": manifestPath, "error": err.Error()},
		)), nil
	}

	artifact, err := BuildAssetRef(manifestPath, job.ID, models.RoleCharacterManifest, "application/json",
		map[string]any{"character_id": selection.entry.CharacterID})
	if err != nil {
		return nil, err
	}
	artifacts := []models.AssetRef{artifact}

	if glb := s.modelFileRef(job.ID, selection); glb != nil {
		artifacts = append(artifacts, *glb)
	}

	rep.Stage("finalize", 1.0, "character manifest ready", nil)
	return &models.AdapterResult{
		OK:        true,
		Provider:  s.ProviderID(),
		Artifacts: artifacts,
		Meta: map[string]any{
			"character_id": selection.entry.CharacterID,
			"skeleton":     selection.entry.Skeleton,
		},
		Warnings: warnings,
	}, nil
}

type characterSelection struct {
	entry    CharacterEntry
	modelURI string
	matched  []string
	notes    []string
}

func (s *CharacterSelector) selectCharacter(u *models.UIR, warnings *[]string, log *stageLogger) characterSelection {
	requested := ""
	if u != nil {
		requested = strings.TrimSpace(u.Modules.Character.CharacterID)
	}
	if requested != "" {
		if entry, ok := s.index[requested]; ok {
			log.Line("[select] requested character_id=" + requested)
			return characterSelection{
				entry:    entry,
				modelURI: entry.resolvedModelURI(s.staticBase),
				matched:  []string{},
				notes:    []string{"selected_by=character_id"},
			}
		}
		*warnings = append(*warnings,
			fmt.Sprintf("character_id '%s' not found in builtin library; falling back to tag matching", requested))
	}

	tokens := selectionTokens(u)
	if len(tokens) > 0 {
		entry, matched := s.bestMatch(tokens)
		if entry != nil && len(matched) > 0 {
			sort.Strings(matched)
			log.Line(fmt.Sprintf("[select] matched tags=%v -> %s", matched, entry.CharacterID))
			return characterSelection{
				entry:    *entry,
				modelURI: entry.resolvedModelURI(s.staticBase),
				matched:  matched,
				notes:    []string{"selected_by=tags:" + strings.Join(matched, ",")},
			}
		}
		*warnings = append(*warnings, "no tag match found; using default character")
	}

	entry := s.defaultCharacter()
	log.Line("[select] default character_id=" + entry.CharacterID)
	return characterSelection{
		entry:    entry,
		modelURI: entry.resolvedModelURI(s.staticBase),
		matched:  []string{},
		notes:    []string{"selected_by=default"},
	}
}

// bestMatch returns the library entry with the strictly largest tag
// intersection; earlier entries win ties.
func (s *CharacterSelector) bestMatch(tokens map[string]struct{}) (*CharacterEntry, []string) {
	var best *CharacterEntry
	var bestMatched []string
	for i := range s.library {
		entry := s.library[i]
		var matched []string
		for _, tag := range entry.Tags {
			if _, ok := tokens[tag]; ok {
				matched = append(matched, tag)
			}
		}
		if len(matched) > len(bestMatched) {
			best = &s.library[i]
			bestMatched = matched
		}
	}
	return best, bestMatched
}

func (s *CharacterSelector) defaultCharacter() CharacterEntry {
	if entry, ok := s.index[DefaultCharacterID]; ok {
		return entry
	}
	return s.library[0]
}

// modelFileRef returns a reference to the .glb when it exists under
// the configured static directory.
func (s *CharacterSelector) modelFileRef(jobID string, selection characterSelection) *models.AssetRef {
	if s.staticDir == "" {
		return nil
	}
	path := filepath.Join(s.staticDir, selection.entry.CharacterID+".glb")
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}
	return &models.AssetRef{
		ID:    jobID + ":" + models.RoleCharacterModelGLB,
		Role:  models.RoleCharacterModelGLB,
		MIME:  mimeGLB,
		URI:   selection.modelURI,
		Bytes: info.Size(),
	}
}

// selectionTokens gathers lowercase style/mood tokens that drive tag
// matching.
func selectionTokens(u *models.UIR) map[string]struct{} {
	tokens := map[string]struct{}{}
	if u == nil {
		return tokens
	}
	for _, value := range []string{
		u.Modules.Character.Style,
		u.Modules.Motion.Style,
		u.Intent.Style,
		u.Intent.Mood,
	} {
		for token := range tokenize(value) {
			tokens[token] = struct{}{}
		}
	}
	return tokens
}

// tokenize splits on non-alphanumeric runs and also keeps the fully
// collapsed form, so "low poly" matches the "lowpoly" tag.
func tokenize(value string) map[string]struct{} {
	out := map[string]struct{}{}
	text := strings.ToLower(strings.TrimSpace(value))
	if text == "" {
		return out
	}
	for _, token := range tokenSplit.Split(text, -1) {
		if token != "" {
			out[token] = struct{}{}
		}
	}
	if collapsed := nonAlphaNum.ReplaceAllString(text, ""); collapsed != "" {
		out[collapsed] = struct{}{}
	}
	return out
}

func assertDirWritable(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(path, ".write_check")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}
