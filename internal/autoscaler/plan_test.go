package autoscaler

import "testing"

func TestPlan(t *testing.T) {
	base := Limits{ScaleFactor: 1.0, MinBurst: 2, PerFunctionMax: 16, GlobalBudget: 100}

	tests := []struct {
		name string
		snap Snapshot
		lim  Limits
		want Intent
	}{
		{
			name: "idle function stays at zero",
			snap: Snapshot{},
			lim:  base,
			want: Intent{},
		},
		{
			name: "queue drives scale up",
			snap: Snapshot{Queued: 4},
			lim:  base,
			want: Intent{Start: 4},
		},
		{
			name: "min burst floor applies while queued",
			snap: Snapshot{Queued: 1},
			lim:  base,
			want: Intent{Start: 2},
		},
		{
			name: "starting containers count toward desired",
			snap: Snapshot{Queued: 4, Starting: 3},
			lim:  base,
			want: Intent{Start: 1},
		},
		{
			name: "reservation is a floor with empty queue",
			snap: Snapshot{Reservation: 3, Warm: 1},
			lim:  base,
			want: Intent{Start: 2},
		},
		{
			name: "scale factor multiplies load",
			snap: Snapshot{Queued: 3, Active: 1},
			lim:  Limits{ScaleFactor: 1.5, PerFunctionMax: 16, GlobalBudget: 100},
			want: Intent{Start: 5}, // ceil(4*1.5)=6 desired, 1 active
		},
		{
			name: "per function max caps desired",
			snap: Snapshot{Queued: 50},
			lim:  Limits{ScaleFactor: 1.0, PerFunctionMax: 8, GlobalBudget: 100},
			want: Intent{Start: 8},
		},
		{
			name: "global budget defers the excess",
			snap: Snapshot{Queued: 10},
			lim:  Limits{ScaleFactor: 1.0, PerFunctionMax: 16, GlobalBudget: 3},
			want: Intent{Start: 3},
		},
		{
			name: "surplus idle is reclaimed when queue empty",
			snap: Snapshot{Warm: 5, Active: 1},
			lim:  base,
			// desired = 1 (the active one); every idle container goes.
			want: Intent{SoftStop: 5},
		},
		{
			name: "active containers are never reclaimed",
			snap: Snapshot{Active: 4},
			lim:  base,
			want: Intent{},
		},
		{
			name: "reclaim never exceeds idle count",
			snap: Snapshot{Warm: 2, Active: 6},
			lim:  Limits{ScaleFactor: 0.5, PerFunctionMax: 16, GlobalBudget: 100},
			// desired = ceil(6*0.5) = 3, warmTotal = 8, stop capped at Warm.
			want: Intent{SoftStop: 2},
		},
		{
			name: "no reclaim while requests queued",
			snap: Snapshot{Queued: 1, Warm: 5},
			lim:  Limits{ScaleFactor: 0.1, MinBurst: 1, PerFunctionMax: 16, GlobalBudget: 100},
			want: Intent{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Plan(tt.snap, tt.lim)
			if got != tt.want {
				t.Fatalf("Plan(%+v) = %+v, want %+v", tt.snap, got, tt.want)
			}
		})
	}
}

func TestPlanZeroScaleFactorDefaults(t *testing.T) {
	got := Plan(Snapshot{Queued: 3}, Limits{GlobalBudget: 10})
	if got.Start != 3 {
		t.Fatalf("zero scale factor should default to 1.0, got %+v", got)
	}
}
