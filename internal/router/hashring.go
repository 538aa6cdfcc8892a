package router

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/meridianmesh/discovery/internal/types"
)

// hashRing is a SHA-256-keyed consistent-hash ring with virtualNodes
// points per instance (spec.md §4.4). No third-party library in the
// retrieved corpus implements a consistent-hash ring, so this is a
// deliberate, small stdlib-only piece (see DESIGN.md).
type hashRing struct {
	points     []uint64
	ownerByPt  map[uint64]string
}

func buildHashRing(instances []types.Instance, virtualNodes int) *hashRing {
	ring := &hashRing{ownerByPt: make(map[uint64]string, len(instances)*virtualNodes)}

	for _, inst := range instances {
		for v := 0; v < virtualNodes; v++ {
			key := fmt.Sprintf("%s#%d", inst.InstanceID, v)
			pt := ringHash(key)
			ring.points = append(ring.points, pt)
			ring.ownerByPt[pt] = inst.InstanceID
		}
	}
	sort.Slice(ring.points, func(i, j int) bool { return ring.points[i] < ring.points[j] })
	return ring
}

// lookup returns the instance_id owning the first ring point at or after
// hash(key), wrapping to the first point if key's hash is past the last one.
func (r *hashRing) lookup(key string) string {
	if len(r.points) == 0 {
		return ""
	}

	h := ringHash(key)
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if i == len(r.points) {
		i = 0
	}
	return r.ownerByPt[r.points[i]]
}

func ringHash(key string) uint64 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}
