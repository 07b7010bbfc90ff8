// Package machine derives a stable device identifier for the host the server
// runs on. It backs the "machine" device source.
package machine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	idLength = 16
	idInfo   = "license-server device identity"
)

var machineIDFiles = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// Identity 缓存首次计算的设备ID，进程生命周期内不变
type Identity struct {
	logger *slog.Logger
	once   sync.Once
	id     string
	err    error
}

func NewIdentity(logger *slog.Logger) *Identity {
	if logger == nil {
		logger = slog.Default()
	}
	return &Identity{logger: logger}
}

func (i *Identity) DeviceID() (string, error) {
	i.once.Do(func() {
		factors := i.collect()
		i.id, i.err = Derive(factors...)
		if i.err == nil {
			i.logger.Info("设备标识已生成", slog.String("device_id", i.id))
		}
	})
	return i.id, i.err
}

func (i *Identity) collect() []string {
	hostname, err := os.Hostname()
	if err != nil {
		i.logger.Warn("获取主机名失败", slog.String("error", err.Error()))
		hostname = "unknown-host"
	}

	mac, err := primaryMAC()
	if err != nil {
		i.logger.Warn("获取 MAC 地址失败", slog.String("error", err.Error()))
		mac = "unknown-mac"
	}

	return []string{
		strings.ToLower(strings.TrimSpace(hostname)),
		mac,
		machineID(),
		runtime.GOOS,
		runtime.GOARCH,
	}
}

// Derive 由主机特征派生十六进制设备ID，相同输入得到相同结果
func Derive(factors ...string) (string, error) {
	if len(factors) == 0 {
		return "", fmt.Errorf("no identity factors")
	}
	material := strings.Join(factors, "|")
	reader := hkdf.New(sha256.New, []byte(material), nil, []byte(idInfo))

	id := make([]byte, idLength)
	if _, err := io.ReadFull(reader, id); err != nil {
		return "", fmt.Errorf("derive device id: %w", err)
	}
	return hex.EncodeToString(id), nil
}

func primaryMAC() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}
	return "", fmt.Errorf("no usable network interface")
}

func machineID() string {
	for _, path := range machineIDFiles {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	return ""
}
