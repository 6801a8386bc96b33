package crawl

import "time"

// Step is the value an adapter returns from a single invocation: the records
// it harvested, the next stage, and the delay before the scheduler should
// call it again.
//
// A nil Stage asks the scheduler to restart from the adapter's initial stage;
// a zero Delay in that case means "use the full-cycle delay".
type Step struct {
	Delay time.Duration
	Stage Stage

	// Authors found along the way, deduplicated by path after FixAuthors.
	Authors []Author

	// SelfPublications are publications authored by the owner.
	SelfPublications []Publication

	// Citations maps a source-native publication id to the publications that
	// cite it.
	Citations map[string][]Publication

	// Errors is the consecutive-error counter carried through retries of the
	// same stage. A successful step leaves it zero.
	Errors int
}

// FixAuthors normalizes embedded Author records: every Author found inside a
// publication is moved into Step.Authors (deduplicated by path) and replaced
// by its path reference. After this, no publication holds full author
// records and every referenced path has a backing record in the step.
func (s *Step) FixAuthors() {
	seen := make(map[string]bool, len(s.Authors))
	for i := range s.Authors {
		seen[s.Authors[i].Path()] = true
	}

	fix := func(pub *Publication) {
		for i := range pub.Authors {
			author := pub.Authors[i]
			path := author.Path()
			if !seen[path] {
				seen[path] = true
				s.Authors = append(s.Authors, author)
			}
			pub.AuthorPaths = append(pub.AuthorPaths, path)
		}
		pub.Authors = nil
	}

	for i := range s.SelfPublications {
		fix(&s.SelfPublications[i])
	}
	for _, citations := range s.Citations {
		for i := range citations {
			fix(&citations[i])
		}
	}
}
