// Package crawl contains the crawling state machine shared by every source
// adapter: the harvested record types, the persistent stage encoding, and the
// scheduler that steps each configured (owner, source) pair.
package crawl

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Author is an author record as discovered from a remote source. Records are
// content-addressed within an (owner, source) pair; see Path.
type Author struct {
	ID        string         `json:"id,omitempty"`
	FullName  string         `json:"full_name,omitempty"`
	FirstName string         `json:"first_name,omitempty"`
	LastName  string         `json:"last_name,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`

	// genName caches the placeholder used when the source gave us no name at
	// all, so the record keeps a stable address for its lifetime.
	genName string
}

// Name returns the best display name available for the author.
func (a *Author) Name() string {
	if a.FullName != "" {
		return a.FullName
	}
	if full := strings.TrimSpace(a.FirstName + " " + a.LastName); full != "" {
		return full
	}
	if a.genName == "" {
		a.genName = fmt.Sprintf("(unnamed %s)", uuid.NewString())
	}
	return a.genName
}

// Path returns the stable content address of the author within its
// (owner, source) pair: "author/" + SHA256(id) when the source exposes an
// identifier, "author/uniden/" + SHA256(name) otherwise.
func (a *Author) Path() string {
	if a.ID != "" {
		return "author/" + hashName(a.ID)
	}
	return "author/uniden/" + hashName(a.Name())
}

// Publication is a publication record as discovered from a remote source.
// Adapters may fill Authors with embedded Author records for convenience;
// Step.FixAuthors moves them out and leaves only AuthorPaths behind.
type Publication struct {
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name"`
	Year  int            `json:"year,omitempty"` // 0 means unknown
	Ref   string         `json:"ref,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`

	Authors     []Author `json:"-"`
	AuthorPaths []string `json:"-"`

	genName string
}

func (p *Publication) name() string {
	if p.Name != "" {
		return p.Name
	}
	if p.genName == "" {
		p.genName = fmt.Sprintf("(unnamed %s)", uuid.NewString())
	}
	return p.genName
}

// Path returns the stable content address of the publication, analogous to
// Author.Path with the "pub/" prefix.
func (p *Publication) Path() string {
	if p.ID != "" {
		return "pub/" + hashName(p.ID)
	}
	return "pub/uniden/" + hashName(p.name())
}

// PublicationPathForID returns the address a publication with the given
// source identifier would be stored under. Citation maps are keyed by source
// identifiers and need this to reference the cited row.
func PublicationPathForID(id string) string {
	p := Publication{ID: id}
	return p.Path()
}

func hashName(identifier string) string {
	// Identifiers may contain characters such as '/' that would break path
	// semantics, and case-insensitive collisions rule out base64. A hex
	// digest sidesteps both.
	sum := sha256.Sum256([]byte(identifier))
	return hex.EncodeToString(sum[:])
}
