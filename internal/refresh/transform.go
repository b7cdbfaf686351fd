package refresh

import (
	"context"
	"fmt"
	"strings"

	"github.com/nous-run/nous/internal/model"
)

// maxVisibilityLevel is the highest role-view level in the closed set
// (spec.md §3: general=0, pro/scholars=1, analytics/ops=2) — the implicate
// refresh reads the graph as an internal system operation, not on behalf of
// any caller, so it always reads at full visibility.
const maxVisibilityLevel = 2

// maxLinkedMemories bounds how many of an entity's linked memories
// contribute text to the implicate transform, keeping the re-embedded
// string small and the per-job cost predictable.
const maxLinkedMemories = 20

// GraphImplicateResolver implements ImplicateInputs (Open Question 2,
// SPEC_FULL §11): it resolves an entity's implicate content by
// concatenating its name, type, and the text of its linked memories,
// deduplicated and in a stable order, into one string for C8 to
// re-embed. This gives the implicate namespace actual semantic content
// distinct from the explicate index, rather than an identity placeholder.
type GraphImplicateResolver struct {
	store model.GraphStore
}

// NewGraphImplicateResolver builds a resolver over store.
func NewGraphImplicateResolver(store model.GraphStore) *GraphImplicateResolver {
	return &GraphImplicateResolver{store: store}
}

// ImplicateText resolves entityID's implicate-namespace input.
func (r *GraphImplicateResolver) ImplicateText(ctx context.Context, entityID string) (string, error) {
	entity, err := r.store.GetEntity(ctx, entityID)
	if err != nil {
		return "", fmt.Errorf("refresh: resolve entity %q: %w", entityID, err)
	}

	memories, err := r.store.GetMemoriesFor(ctx, entityID, maxVisibilityLevel)
	if err != nil {
		return "", fmt.Errorf("refresh: resolve memories for %q: %w", entityID, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", entity.Name, entity.Type)

	seen := make(map[string]bool, len(memories))
	n := 0
	for _, m := range memories {
		if n >= maxLinkedMemories {
			break
		}
		text := strings.TrimSpace(m.Text)
		if text == "" || seen[text] {
			continue
		}
		seen[text] = true
		n++
		b.WriteString("\n")
		b.WriteString(text)
	}

	return b.String(), nil
}
