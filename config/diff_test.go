package config_test

import (
	"testing"
	"time"

	"go.viam.com/test"

	"go.viam.com/urbridge/config"
)

func TestDiffConfigs(t *testing.T) {
	config1 := config.Config{
		Robots: []config.Robot{
			{Name: "ur5e", Host: "10.0.0.5"},
			{Name: "ur10", Host: "10.0.0.6"},
			{Name: "ur3", Host: "10.0.0.7", Video: &config.Video{Input: "rtsp://cam"}},
		},
		Reply: config.Reply{Port: 30010},
	}

	for _, tc := range []struct {
		Name         string
		Right        config.Config
		Added        []config.Robot
		Modified     []config.Robot
		Removed      []config.Robot
		RobotsEqual  bool
		SharedEqual  bool
		NetworkEqual bool
	}{
		{
			Name:         "same",
			Right:        config1,
			RobotsEqual:  true,
			SharedEqual:  true,
			NetworkEqual: true,
		},
		{
			Name: "everything changes",
			Right: config.Config{
				Robots: []config.Robot{
					{Name: "ur5e", Host: "10.0.0.5", TelemetryInterval: 20 * time.Millisecond},
					{Name: "ur3", Host: "10.0.0.7", Video: &config.Video{Input: "rtsp://cam"}},
					{Name: "sim", Host: "127.0.0.1", Virtual: true},
				},
				Reply:   config.Reply{Port: 30011},
				Network: config.Network{BindAddress: ":9000"},
			},
			Added:    []config.Robot{{Name: "sim", Host: "127.0.0.1", Virtual: true}},
			Modified: []config.Robot{{Name: "ur5e", Host: "10.0.0.5", TelemetryInterval: 20 * time.Millisecond}},
			Removed:  []config.Robot{{Name: "ur10", Host: "10.0.0.6"}},
		},
		{
			Name: "side channel changes",
			Right: config.Config{
				Robots: []config.Robot{
					{Name: "ur5e", Host: "10.0.0.5"},
					{Name: "ur10", Host: "10.0.0.6"},
					{Name: "ur3", Host: "10.0.0.7", Video: &config.Video{Input: "rtsp://other"}},
				},
				Reply: config.Reply{Port: 30010},
			},
			Modified:     []config.Robot{{Name: "ur3", Host: "10.0.0.7", Video: &config.Video{Input: "rtsp://other"}}},
			SharedEqual:  true,
			NetworkEqual: true,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			diff := config.DiffConfigs(config1, tc.Right)
			test.That(t, diff.Left, test.ShouldResemble, &config1)
			test.That(t, diff.Added, test.ShouldResemble, tc.Added)
			test.That(t, diff.Modified, test.ShouldResemble, tc.Modified)
			test.That(t, diff.Removed, test.ShouldResemble, tc.Removed)
			test.That(t, diff.RobotsEqual, test.ShouldEqual, tc.RobotsEqual)
			test.That(t, diff.SharedEqual, test.ShouldEqual, tc.SharedEqual)
			test.That(t, diff.NetworkEqual, test.ShouldEqual, tc.NetworkEqual)
			test.That(t, diff.String(), test.ShouldNotBeEmpty)
		})
	}
}
