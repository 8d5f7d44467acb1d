package harness

import (
	"fmt"

	petname "github.com/dustinkirkland/golang-petname"
)

// instancePrefix is prepended to every instance the harness provisions.
const instancePrefix = "k8s-test-harness"

// newInstanceName generates a name unlikely to clash with concurrent runs.
var newInstanceName = func() string {
	return fmt.Sprintf("%s-%s", instancePrefix, petname.Generate(2, "-"))
}

// tracker remembers the instances a harness created, in creation order.
type tracker struct {
	ids []string
}

func (t *tracker) add(id string) {
	t.ids = append(t.ids, id)
}

func (t *tracker) remove(id string) {
	for i, existing := range t.ids {
		if existing == id {
			t.ids = append(t.ids[:i], t.ids[i+1:]...)
			return
		}
	}
}

func (t *tracker) has(id string) bool {
	for _, existing := range t.ids {
		if existing == id {
			return true
		}
	}
	return false
}

// all returns a copy of the tracked ids, newest first.
func (t *tracker) all() []string {
	out := make([]string, 0, len(t.ids))
	for i := len(t.ids) - 1; i >= 0; i-- {
		out = append(out, t.ids[i])
	}
	return out
}
