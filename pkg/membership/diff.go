package membership

import "github.com/ryandielhenn/babysitter/pkg/model"

// Fetcher loads the current record of a newly listed member. ok is false
// when the record can't be read; the member is then left out of Added and
// picked up again on a later cycle.
type Fetcher func(name string) (s model.Server, ok bool)

type Diff struct {
	Added   model.ServerSet
	Removed model.ServerSet
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// ComputeDiff partitions the change between the known servers and the names
// currently listed under the monitor path. Sibling names are unique, so a
// name is either steady, added or removed.
func ComputeDiff(known model.ServerSet, latest []string, fetch Fetcher) Diff {
	fresh := make(map[string]struct{}, len(latest))
	for _, name := range latest {
		fresh[name] = struct{}{}
	}

	d := Diff{Added: model.NewServerSet(), Removed: model.NewServerSet()}
	for _, s := range known {
		if _, ok := fresh[s.Name()]; !ok {
			d.Removed.Add(s)
			continue
		}
		delete(fresh, s.Name())
	}
	// what is left was not known before
	for name := range fresh {
		if s, ok := fetch(name); ok {
			d.Added.Add(s)
		}
	}
	return d
}
