package vm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
)

// apiClient speaks the hypervisor control protocol: typed JSON documents
// over HTTP on a unix socket. Configuration is always serialized through
// these structs, never assembled as strings; special characters in paths
// or identifiers must not be able to corrupt a request.
type apiClient struct {
	httpc *http.Client
}

func newAPIClient(socketPath string) *apiClient {
	return &apiClient{
		httpc: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

func (c *apiClient) put(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	// Host is ignored by the unix dialer but required by net/http.
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://localhost"+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("PUT %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: PUT %s: %s: %s", ErrConfigRejected, path, resp.Status, bytes.TrimSpace(detail))
	}
	return nil
}

// Firecracker API documents.

type fcBootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

type fcDrive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type fcMachineConfig struct {
	VCPUCount  int  `json:"vcpu_count"`
	MemSizeMiB int  `json:"mem_size_mib"`
	SMT        bool `json:"smt"`
}

type fcVsock struct {
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

type fcAction struct {
	ActionType string `json:"action_type"`
}

// Cloud Hypervisor API documents (v0.49+ schema).

type clhConfig struct {
	Payload clhPayload  `json:"payload"`
	Cpus    clhCpus     `json:"cpus"`
	Memory  clhMemory   `json:"memory"`
	Disks   []clhDisk   `json:"disks"`
	Serial  clhConsole  `json:"serial"`
	Console clhConsole  `json:"console"`
	Vsock   *clhVsock  `json:"vsock,omitempty"`
}

type clhPayload struct {
	Kernel  string `json:"kernel"`
	CmdLine string `json:"cmdline"`
}

type clhCpus struct {
	BootVcpus int `json:"boot_vcpus"`
	MaxVcpus  int `json:"max_vcpus"`
}

type clhMemory struct {
	Size int64 `json:"size"`
}

type clhDisk struct {
	Path     string `json:"path"`
	Readonly bool   `json:"readonly"`
}

type clhConsole struct {
	Mode string `json:"mode"`
}

type clhVsock struct {
	Cid    uint64 `json:"cid"`
	Socket string `json:"socket"`
}
