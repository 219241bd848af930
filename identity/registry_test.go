package identity

import (
	stderrors "errors"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heymumford/Samstraumr-sub008/errors"
)

var tubeNotation = regexp.MustCompile(`^T\d+[0-9a-f]{4}$`)

func TestNewTube(t *testing.T) {
	reg := NewRegistry()

	id, err := reg.NewTube("Validate emails")
	require.NoError(t, err)

	assert.Regexp(t, tubeNotation, id.Notation())
	assert.Equal(t, "Validate emails", id.Reason())
	assert.Equal(t, KindTube, id.Kind())
	assert.Nil(t, id.Parent())
	assert.False(t, id.ConceptionTime().IsZero())
	assert.NotEqual(t, id.UUID().String(), "00000000-0000-0000-0000-000000000000")
}

func TestEmptyReasonFails(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.NewTube("")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidIdentity))

	_, err = reg.NewTube("   ")
	assert.True(t, stderrors.Is(err, errors.ErrInvalidIdentity))
}

func TestHierarchicalNotation(t *testing.T) {
	reg := NewRegistry()

	machine, err := reg.NewMachine("Order pipeline group")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(machine.Notation(), "M"))

	bundle, err := reg.NewChild(machine, KindComposite, "Order pipeline")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(bundle.Notation(), machine.Notation()+".B"))

	tube, err := reg.NewChild(bundle, KindTube, "Validate orders")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tube.Notation(), bundle.Notation()+".T"))
	assert.Equal(t, 3, len(strings.Split(tube.Notation(), ".")))
}

func TestHierarchyValidation(t *testing.T) {
	reg := NewRegistry()

	machine, err := reg.NewMachine("group")
	require.NoError(t, err)
	tube, err := reg.NewTube("standalone")
	require.NoError(t, err)

	// Tube directly under a machine is malformed.
	_, err = reg.NewChild(machine, KindTube, "orphan")
	assert.True(t, stderrors.Is(err, errors.ErrInvalidIdentity))

	// Composite under a tube is malformed.
	_, err = reg.NewChild(tube, KindComposite, "upside down")
	assert.True(t, stderrors.Is(err, errors.ErrInvalidIdentity))

	// Machines cannot nest.
	_, err = reg.NewChild(machine, KindMachine, "nested machine")
	assert.True(t, stderrors.Is(err, errors.ErrInvalidIdentity))

	// Nil parent is malformed.
	_, err = reg.NewChild(nil, KindTube, "no parent")
	assert.True(t, stderrors.Is(err, errors.ErrInvalidIdentity))
}

func TestUniquenessUnderConcurrency(t *testing.T) {
	reg := NewRegistry()

	const n = 200
	var wg sync.WaitGroup
	notations := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := reg.NewTube("concurrent tube")
			if err != nil {
				t.Error(err)
				return
			}
			notations <- id.Notation()
		}()
	}
	wg.Wait()
	close(notations)

	seen := make(map[string]bool, n)
	for notation := range notations {
		assert.False(t, seen[notation], "duplicate notation %s", notation)
		seen[notation] = true
	}
	assert.Len(t, seen, n)
}

func TestEnvironmentSnapshotIsImmutable(t *testing.T) {
	reg := NewRegistry()
	id, err := reg.NewTube("env test")
	require.NoError(t, err)

	env := id.Environment()
	require.NotEmpty(t, env["pid"])
	require.NotEmpty(t, env["go_version"])

	env["pid"] = "tampered"
	assert.NotEqual(t, "tampered", id.Environment()["pid"])
}

func TestLineage(t *testing.T) {
	reg := NewRegistry()

	bundle, err := reg.NewComposite("pipeline")
	require.NoError(t, err)
	a, err := reg.NewChild(bundle, KindTube, "first")
	require.NoError(t, err)
	b, err := reg.NewChild(bundle, KindTube, "second")
	require.NoError(t, err)

	kids := bundle.Descendants()
	require.Len(t, kids, 2)
	assert.Equal(t, a.Notation(), kids[0].Notation())
	assert.Equal(t, b.Notation(), kids[1].Notation())
}

func TestWithName(t *testing.T) {
	reg := NewRegistry()
	id, err := reg.NewTube("named tube", WithName("validator"))
	require.NoError(t, err)
	assert.Equal(t, "validator", id.Name())
}
