/*******************************************************************************
 * Copyright (c) 2026 Genome Research Ltd.
 *
 * Authors:
 *   Sendu Bala <sb10@sanger.ac.uk>
 *
 * Permission is hereby granted, free of charge, to any person obtaining
 * a copy of this software and associated documentation files (the
 * "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish,
 * distribute, sublicense, and/or sell copies of the Software, and to
 * permit persons to whom the Software is furnished to do so, subject to
 * the following conditions:
 *
 * The above copyright notice and this permission notice shall be included
 * in all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND,
 * EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF
 * MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY
 * CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION OF CONTRACT,
 * TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 ******************************************************************************/

package swap

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ArtifactKind is the kind of file the swap leaves beside the active store.
type ArtifactKind string

const (
	ArtifactStaging ArtifactKind = "staging"
	ArtifactBackup  ArtifactKind = "bak"
	ArtifactRestore ArtifactKind = "restore"

	partialSuffix = ".partial"
	journalSuffix = "-journal"
)

// Artifact is a staging store, backup or restore copy found in the scratch
// directory.
type Artifact struct {
	Kind      ArtifactKind
	VersionID string
	Path      string

	// Partial is true for incomplete copies and SQLite journal files left by
	// an interrupted build or backup.
	Partial bool
}

// Artifacts names the files kept in a scratch directory for one active store.
// Every name is of the form:
//
//	<active base name>.<kind>_<version id>[.partial|-journal]
type Artifacts struct {
	Dir  string
	Base string
}

// NewArtifacts returns the Artifacts for the store at activePath, kept in
// scratchDir.
func NewArtifacts(activePath, scratchDir string) Artifacts {
	return Artifacts{Dir: scratchDir, Base: filepath.Base(activePath)}
}

func (a Artifacts) path(kind ArtifactKind, id string) string {
	return filepath.Join(a.Dir, a.Base+"."+string(kind)+"_"+id)
}

// Staging returns where the staging store of version id is built.
func (a Artifacts) Staging(id string) string { return a.path(ArtifactStaging, id) }

// Backup returns where the active store replaced by version id is kept.
func (a Artifacts) Backup(id string) string { return a.path(ArtifactBackup, id) }

// Restore returns where a backup is copied to before being swapped back in by
// rollback version id.
func (a Artifacts) Restore(id string) string { return a.path(ArtifactRestore, id) }

// Parse interprets a file name in the scratch directory.
func (a Artifacts) Parse(name string) (Artifact, bool) {
	rest, ok := strings.CutPrefix(name, a.Base+".")
	if !ok {
		return Artifact{}, false
	}

	kind, id, ok := strings.Cut(rest, "_")
	if !ok {
		return Artifact{}, false
	}

	art := Artifact{Kind: ArtifactKind(kind), Path: filepath.Join(a.Dir, name)}

	switch art.Kind {
	case ArtifactStaging, ArtifactBackup, ArtifactRestore:
	default:
		return Artifact{}, false
	}

	for _, suffix := range []string{partialSuffix, journalSuffix} {
		if trimmed, found := strings.CutSuffix(id, suffix); found {
			id = trimmed
			art.Partial = true
		}
	}

	if id == "" {
		return Artifact{}, false
	}

	art.VersionID = id

	return art, true
}

// Find returns every artifact in the scratch directory, ordered by version id
// and then path.
func (a Artifacts) Find() ([]Artifact, error) {
	entries, err := os.ReadDir(a.Dir)
	if err != nil {
		return nil, err
	}

	var arts []Artifact

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if art, ok := a.Parse(entry.Name()); ok {
			arts = append(arts, art)
		}
	}

	slices.SortFunc(arts, func(x, y Artifact) int {
		if c := strings.Compare(x.VersionID, y.VersionID); c != 0 {
			return c
		}

		return strings.Compare(x.Path, y.Path)
	})

	return arts, nil
}

// Expired splits arts into the complete backups to keep, the newest retain of
// them, and everything else, which may be deleted. Artifacts for which skip
// returns true are in neither list.
func Expired(arts []Artifact, retain int, skip func(Artifact) bool) (keep, toDelete []Artifact) {
	var backups []Artifact

	for _, art := range arts {
		if skip != nil && skip(art) {
			continue
		}

		if art.Kind == ArtifactBackup && !art.Partial {
			backups = append(backups, art)

			continue
		}

		toDelete = append(toDelete, art)
	}

	cut := max(len(backups)-max(retain, 0), 0)

	return backups[cut:], append(toDelete, backups[:cut]...)
}
