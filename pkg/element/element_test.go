package element

import (
	"testing"

	"github.com/kestrelwm/scanoutd/pkg/geom"
	"github.com/stretchr/testify/require"
)

func TestIsFullyOpaqueRequiresFullCoverage(t *testing.T) {
	e := Element{
		Alpha: 1,
		Dst:   geom.Rect{Size: geom.Size{W: 100, H: 100}},
		Opaque: []geom.Rect{
			{Size: geom.Size{W: 50, H: 100}},
		},
	}
	require.False(t, e.IsFullyOpaque())

	e.Opaque = append(e.Opaque, geom.Rect{Loc: geom.Point{X: 50}, Size: geom.Size{W: 50, H: 100}})
	require.True(t, e.IsFullyOpaque())
}

func TestIsFullyOpaqueFalseWhenAlphaBlended(t *testing.T) {
	e := Element{Alpha: 0.5, Dst: geom.Rect{Size: geom.Size{W: 10, H: 10}}, Opaque: []geom.Rect{{Size: geom.Size{W: 10, H: 10}}}}
	require.False(t, e.IsFullyOpaque())
}

func TestDamageSinceReturnsTotalWhenCommitDiffers(t *testing.T) {
	e := Element{Commit: 5, Dst: geom.Rect{Size: geom.Size{W: 10, H: 10}}, Damage: []geom.Rect{{Size: geom.Size{W: 1, H: 1}}}}
	require.Equal(t, []geom.Rect{e.Dst}, e.DamageSince(4, true))
	require.Equal(t, []geom.Rect{e.Dst}, e.DamageSince(5, false))
}

func TestDamageSinceReturnsDamageWhenCommitMatches(t *testing.T) {
	e := Element{Commit: 5, Dst: geom.Rect{Size: geom.Size{W: 10, H: 10}}, Damage: []geom.Rect{{Size: geom.Size{W: 1, H: 1}}}}
	require.Equal(t, e.Damage, e.DamageSince(5, true))
}

func TestPropertiesCompatible(t *testing.T) {
	e := Element{Dst: geom.Rect{Size: geom.Size{W: 10, H: 10}}, Alpha: 1}
	p1 := PropertiesOf(e, 1)
	p2 := PropertiesOf(e, 1)
	require.True(t, p1.Compatible(p2))

	e.Alpha = 0.9
	p3 := PropertiesOf(e, 1)
	require.False(t, p1.Compatible(p3))
}
