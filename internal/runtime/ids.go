package runtime

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/aretw0/waypoint/pkg/domain"
)

// idGenerator issues checkpoint ids that sort after their parent.
type idGenerator struct {
	source func() string
}

func newIDGenerator() *idGenerator {
	return &idGenerator{source: func() string { return uuid.Must(uuid.NewV7()).String() }}
}

func (g *idGenerator) next(parent string) (string, error) {
	id := g.source()
	if parent != "" && id <= parent {
		return "", fmt.Errorf("%w: %s is not after %s", domain.ErrCheckpointIDRegression, id, parent)
	}
	return id, nil
}

// taskID is stable for a (parent checkpoint, node, step) triple so a replayed
// step writes under the same key.
func taskID(parent, node string, step int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(parent+":"+node+":"+strconv.Itoa(step))).String()
}
