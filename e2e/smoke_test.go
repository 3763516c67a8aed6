//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const repoRootRel = ".."   // relative to ./e2e
const mainPkgRel = "./cmd" // main.go lives in cmd/

const mqttTopic = "sensors/readings"

type reading struct {
	ID          int64   `json:"id"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	CreatedAt   string  `json:"created_at"`
}

type envelope struct {
	Type string  `json:"type"`
	Data reading `json:"data"`
}

func TestSmoke_IngestQueryPush(t *testing.T) {
	bin := buildBinary(t, repoRootPath(t))
	addr := pickFreeAddr(t)
	dbPath := filepath.Join(t.TempDir(), "readings.db")

	cmd := startServer(t, bin,
		"HTTP_ADDR="+addr,
		"SQLITE_PATH="+dbPath,
	)

	client := &http.Client{Timeout: 2 * time.Second}
	base := "http://" + addr
	waitForOK(t, client, base+"/healthz", 10*time.Second)

	resp, err := client.Get(base + "/api/readings/latest")
	if err != nil {
		t.Fatalf("GET latest: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("empty latest status=%d want=%d", resp.StatusCode, http.StatusNotFound)
	}

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer ws.Close()

	created := postReading(t, client, base, `{"temperature": 22.5, "humidity": 60.1}`)
	if created.ID != 1 {
		t.Fatalf("id=%d want=1", created.ID)
	}

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read ws: %v", err)
	}
	if env.Type != "new-reading" || env.Data != created {
		t.Fatalf("ws envelope=%+v want new-reading %+v", env, created)
	}

	var latest reading
	getJSON(t, client, base+"/api/readings/latest", &latest)
	if latest != created {
		t.Fatalf("latest=%+v want=%+v", latest, created)
	}

	for i := 0; i < 4; i++ {
		postReading(t, client, base, fmt.Sprintf(`{"temperature": %d, "humidity": 50}`, 20+i))
	}
	var recent []reading
	getJSON(t, client, base+"/api/readings?limit=2", &recent)
	if len(recent) != 2 || recent[0].ID != 5 || recent[1].ID != 4 {
		t.Fatalf("recent=%+v want ids [5 4]", recent)
	}

	stopServer(t, cmd)

	// Readings survive a restart.
	cmd = startServer(t, bin,
		"HTTP_ADDR="+addr,
		"SQLITE_PATH="+dbPath,
	)
	waitForOK(t, client, base+"/healthz", 10*time.Second)
	getJSON(t, client, base+"/api/readings/latest", &latest)
	if latest.ID != 5 {
		t.Fatalf("latest after restart id=%d want=5", latest.ID)
	}
	next := postReading(t, client, base, `{"temperature": 1, "humidity": 2}`)
	if next.ID != 6 {
		t.Fatalf("id after restart=%d want=6", next.ID)
	}
	stopServer(t, cmd)
}

func TestSmoke_MQTTIngestion(t *testing.T) {
	brokerHost, brokerPort := startMosquitto(t)

	bin := buildBinary(t, repoRootPath(t))
	addr := pickFreeAddr(t)

	cmd := startServer(t, bin,
		"HTTP_ADDR="+addr,
		"SQLITE_PATH="+filepath.Join(t.TempDir(), "readings.db"),
		"MQTT_BROKER="+brokerHost,
		"MQTT_PORT="+brokerPort.Port(),
		"MQTT_TOPIC="+mqttTopic,
	)

	client := &http.Client{Timeout: 2 * time.Second}
	base := "http://" + addr
	waitForOK(t, client, base+"/healthz", 10*time.Second)

	pub := paho.NewClient(paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%s", brokerHost, brokerPort.Port())).
		SetClientID("e2e-publisher"))
	if token := pub.Connect(); !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		t.Fatalf("publisher connect: %v", token.Error())
	}
	defer pub.Disconnect(250)

	// The server subscribes asynchronously; republish until the reading lands.
	payload := `{"device_id":"e2e","temperature":18.5,"humidity":41}`
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		token := pub.Publish(mqttTopic, 1, false, payload)
		token.WaitTimeout(2 * time.Second)

		resp, err := client.Get(base + "/api/readings/latest")
		if err == nil {
			var got reading
			decodeErr := json.NewDecoder(resp.Body).Decode(&got)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK && decodeErr == nil {
				if got.Temperature != 18.5 || got.Humidity != 41 {
					t.Fatalf("latest=%+v want 18.5/41", got)
				}
				stopServer(t, cmd)
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mqtt reading never reached the store")
}

func TestSmoke_Simulator(t *testing.T) {
	brokerHost, brokerPort := startMosquitto(t)

	bin := buildBinary(t, repoRootPath(t))
	addr := pickFreeAddr(t)
	mqttEnv := []string{
		"MQTT_BROKER=" + brokerHost,
		"MQTT_PORT=" + brokerPort.Port(),
		"MQTT_TOPIC=" + mqttTopic,
	}

	server := startServer(t, bin, append(mqttEnv,
		"HTTP_ADDR="+addr,
		"SQLITE_PATH="+filepath.Join(t.TempDir(), "readings.db"),
	)...)

	client := &http.Client{Timeout: 2 * time.Second}
	base := "http://" + addr
	waitForOK(t, client, base+"/healthz", 10*time.Second)

	sim := startCommand(t, bin, "simulate", append(mqttEnv,
		"SIM_DEVICE_ID=e2e-sim",
		"SIM_INTERVAL=200ms",
	)...)

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get(base + "/api/readings?limit=5")
		if err == nil {
			var got []reading
			decodeErr := json.NewDecoder(resp.Body).Decode(&got)
			resp.Body.Close()
			if decodeErr == nil && len(got) >= 3 {
				stopServer(t, sim)
				stopServer(t, server)
				return
			}
		}
		time.Sleep(300 * time.Millisecond)
	}
	t.Fatalf("simulated readings never reached the store")
}

func startMosquitto(t *testing.T) (string, nat.Port) {
	t.Helper()
	ctx := context.Background()

	mqttPort := nat.Port("1883/tcp")
	req := tc.ContainerRequest{
		Image:        "eclipse-mosquitto:2",
		ExposedPorts: []string{string(mqttPort)},
		Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		WaitingFor:   wait.ForListeningPort(mqttPort).WithStartupTimeout(30 * time.Second),
	}

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start mosquitto container: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(ctx)
	})

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, mqttPort)
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return host, port
}

func startServer(t *testing.T, bin string, env ...string) *exec.Cmd {
	t.Helper()
	return startCommand(t, bin, "serve", env...)
}

func startCommand(t *testing.T, bin, command string, env ...string) *exec.Cmd {
	t.Helper()

	cmd := exec.Command(bin, command)
	cmd.Env = append(os.Environ(),
		"APP_ENV=dev",
		"LOG_LEVEL=info",
		"ENV_FILE=",
		"DB_DRIVER=sqlite3",
		"WS_PING_INTERVAL=1s",
	)
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("start %s: %v", command, err)
	}
	t.Cleanup(func() {
		if cmd.ProcessState == nil {
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
		}
	})
	return cmd
}

func postReading(t *testing.T, client *http.Client, base, body string) reading {
	t.Helper()

	resp, err := client.Post(base+"/api/readings", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST readings: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST status=%d want=%d", resp.StatusCode, http.StatusCreated)
	}
	var r reading
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	return r
}

func getJSON(t *testing.T, client *http.Client, url string, out any) {
	t.Helper()

	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s status=%d want=%d", url, resp.StatusCode, http.StatusOK)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func repoRootPath(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}

	repo := filepath.Clean(filepath.Join(wd, repoRootRel))
	if _, err := os.Stat(filepath.Join(repo, "go.mod")); err != nil {
		t.Fatalf("repo root %q does not contain go.mod: %v", repo, err)
	}

	return repo
}

func buildBinary(t *testing.T, repoRoot string) string {
	t.Helper()

	out := filepath.Join(t.TempDir(), "sensorhub-server")

	build := exec.Command("go", "build", "-o", out, mainPkgRel)
	build.Dir = repoRoot
	build.Env = os.Environ()

	b, err := build.CombinedOutput()
	if err != nil {
		t.Fatalf("go build failed: %v\n%s", err, string(b))
	}

	return out
}

func pickFreeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen :0: %v", err)
	}
	defer ln.Close()

	return ln.Addr().String()
}

func waitForOK(t *testing.T, client *http.Client, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server not healthy after %s: %s", timeout, url)
}

func stopServer(t *testing.T, cmd *exec.Cmd) {
	t.Helper()

	_ = cmd.Process.Signal(syscall.SIGTERM)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		t.Fatalf("server did not exit in time")
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				t.Fatalf("server exited non-zero: %v", err)
			}
			t.Fatalf("server wait error: %v", err)
		}
	}
}
