package damage

import (
	"context"
	"testing"

	"github.com/kestrelwm/scanoutd/pkg/element"
	"github.com/kestrelwm/scanoutd/pkg/geom"
	"github.com/kestrelwm/scanoutd/pkg/kms"
	"github.com/stretchr/testify/require"
)

type fakeSync struct{}

func (fakeSync) ExportFD() (int, bool)            { return -1, false }
func (fakeSync) Wait(ctx context.Context) error   { return nil }
func (fakeSync) IsSignalled() bool                { return true }

type fakeTarget struct {
	clearedColor [4]float32
	clearedRects []geom.Rect
}

func (t *fakeTarget) Clear(color [4]float32, damage []geom.Rect) error {
	t.clearedColor = color
	t.clearedRects = damage
	return nil
}

func (t *fakeTarget) Finish() (kms.SyncPoint, error) {
	return fakeSync{}, nil
}

func TestNullTrackerReportsTotalDamage(t *testing.T) {
	target := &fakeTarget{}
	els := []element.Element{
		{ID: 1, Dst: geom.Rect{Size: geom.Size{W: 100, H: 100}}},
		{ID: 2, Dst: geom.Rect{Loc: geom.Point{X: 50, Y: 50}, Size: geom.Size{W: 20, H: 20}}},
	}

	res, err := Null{}.RenderOutputWith(context.Background(), nil, target, FullDamage, els, [4]float32{0, 0, 0, 1})
	require.NoError(t, err)
	require.Len(t, res.Damage, 2)
	require.NotNil(t, res.Sync)
	require.Len(t, res.ElementDamage, 2)
	require.Equal(t, []geom.Rect{els[1].Dst}, res.ElementDamage[2])
	require.Len(t, target.clearedRects, 2)
}
