package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
	goutils "go.viam.com/utils"
	"go.viam.com/utils/testutils"

	"go.viam.com/urbridge/logging"
	rtestutils "go.viam.com/urbridge/testutils"
	"go.viam.com/urbridge/web/server"
)

type ports struct {
	web, reply int
}

func reservePorts(t *testing.T) ports {
	t.Helper()
	web, err := goutils.TryReserveRandomPort()
	test.That(t, err, test.ShouldBeNil)
	reply, err := goutils.TryReserveRandomPort()
	test.That(t, err, test.ShouldBeNil)
	return ports{web: web, reply: reply}
}

func writeConfig(t *testing.T, path, logPath string, p ports, robots ...string) {
	t.Helper()
	cfg := fmt.Sprintf(`{"network": {"bind_address": "127.0.0.1:%d"}, "reply": {"listen_host": "127.0.0.1", "port": %d}, `+
		`"log": {"file": %q}, "robots": [`, p.web, p.reply, logPath)
	for i, robot := range robots {
		if i > 0 {
			cfg += ","
		}
		cfg += robot
	}
	cfg += "]}"
	test.That(t, os.WriteFile(path, []byte(cfg), 0o600), test.ShouldBeNil)
}

func robotNames(tb testing.TB, port int) []string {
	tb.Helper()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/robots", port))
	test.That(tb, err, test.ShouldBeNil)
	defer resp.Body.Close()
	var statuses []struct {
		Name string `json:"name"`
	}
	test.That(tb, json.NewDecoder(resp.Body).Decode(&statuses), test.ShouldBeNil)
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, st.Name)
	}
	return names
}

func TestRunServer(t *testing.T) {
	fake := rtestutils.NewFakeRobot(t)
	p := reservePorts(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bridge.json")
	logPath := filepath.Join(dir, "bridge.log")
	ur5e := fmt.Sprintf(`{"name": "ur5e", "host": %q, "port": %d}`, fake.Host(), fake.Port())
	writeConfig(t, cfgPath, logPath, p, ur5e)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.RunServer(ctx, []string{"urbridge", cfgPath}, logging.NewTestLogger(t))
	}()
	defer func() {
		cancel()
		test.That(t, <-done, test.ShouldBeNil)
	}()

	test.That(t, rtestutils.WaitSuccessfulDial(fmt.Sprintf("127.0.0.1:%d", p.web)), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, robotNames(tb, p.web), test.ShouldResemble, []string{"ur5e"})
	})

	ur10 := fmt.Sprintf(`{"name": "ur10", "host": %q, "port": %d}`, fake.Host(), fake.Port())
	writeConfig(t, cfgPath, logPath, p, ur5e, ur10)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, robotNames(tb, p.web), test.ShouldResemble, []string{"ur10", "ur5e"})
	})

	_, err := os.Stat(logPath)
	test.That(t, err, test.ShouldBeNil)
}

func TestRunServerBadConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "bridge.json")
	test.That(t, os.WriteFile(cfgPath, []byte(`{"robots": [{"host": "10.0.0.5"}]}`), 0o600), test.ShouldBeNil)
	err := server.RunServer(context.Background(), []string{"urbridge", cfgPath}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "name")

	err = server.RunServer(context.Background(), []string{"urbridge"}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}
