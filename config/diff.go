package config

import (
	"encoding/json"
	"reflect"
	"sort"
)

// A Diff is the difference between two configs, left and right
// where left is usually old and right is new. So the diff is the
// changes from left to right.
type Diff struct {
	Left, Right  *Config
	Added        []Robot
	Modified     []Robot
	Removed      []Robot
	RobotsEqual  bool
	// SharedEqual is false when a setting used by every robot changed, such as the reply
	// listener or the provisioner. All robots need a restart then.
	SharedEqual  bool
	NetworkEqual bool
}

// DiffConfigs returns the difference between the two given configs
// from left to right.
func DiffConfigs(left, right Config) *Diff {
	diff := Diff{
		Left:  &left,
		Right: &right,
	}

	// If left contains something right does not => removed
	// If right contains something left does not => added
	// If left contains something right does and they are not equal => modified
	// If left contains something right does and they are equal => no diff
	diff.RobotsEqual = !diffRobots(left.Robots, right.Robots, &diff)
	diff.SharedEqual = reflect.DeepEqual(left.Reply, right.Reply) &&
		reflect.DeepEqual(left.Provisioner, right.Provisioner)
	diff.NetworkEqual = reflect.DeepEqual(left.Network, right.Network) &&
		reflect.DeepEqual(left.Auth, right.Auth)
	return &diff
}

// String returns a JSON representation of the diff.
func (diff *Diff) String() string {
	md, err := json.MarshalIndent(struct {
		Added    []Robot `json:"added,omitempty"`
		Modified []Robot `json:"modified,omitempty"`
		Removed  []Robot `json:"removed,omitempty"`
	}{diff.Added, diff.Modified, diff.Removed}, "", "\t")
	if err != nil {
		return err.Error()
	}
	return string(md)
}

func diffRobots(left, right []Robot, diff *Diff) bool {
	leftIndex := make(map[string]int)
	leftM := make(map[string]Robot)
	for idx, l := range left {
		leftM[l.Name] = l
		leftIndex[l.Name] = idx
	}

	var removed []int

	var different bool
	for _, r := range right {
		l, ok := leftM[r.Name]
		delete(leftM, r.Name)
		if ok {
			robotDifferent := diffRobot(l, r, diff)
			different = robotDifferent || different
			continue
		}
		diff.Added = append(diff.Added, r)
		different = true
	}

	for k := range leftM {
		removed = append(removed, leftIndex[k])
		different = true
	}
	sort.Ints(removed)
	for _, idx := range removed {
		diff.Removed = append(diff.Removed, left[idx])
	}
	return different
}

func diffRobot(left, right Robot, diff *Diff) bool {
	if reflect.DeepEqual(left, right) {
		return false
	}
	diff.Modified = append(diff.Modified, right)
	return true
}
