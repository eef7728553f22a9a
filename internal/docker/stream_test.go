package docker

import (
	"errors"
	"strings"
	"testing"
)

func TestConsumeStreamCollectsOutputAndImageID(t *testing.T) {
	body := strings.NewReader(`{"stream":"Step 1/2 : FROM nginx\n"}
{"status":"Pulling fs layer","id":"abc","progressDetail":{"current":1,"total":4}}
{"aux":{"ID":"sha256:deadbeef"}}
`)
	var lines []string
	id, err := consumeStream(body, func(line string) { lines = append(lines, line) })
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if id != "sha256:deadbeef" {
		t.Fatalf("unexpected image id %q", id)
	}
	if len(lines) != 3 || lines[0] != "Step 1/2 : FROM nginx" || lines[1] != "abc Pulling fs layer 1/4" {
		t.Fatalf("unexpected lines %#v", lines)
	}
}

func TestConsumeStreamSurfacesDaemonError(t *testing.T) {
	body := strings.NewReader(`{"stream":"Step 1/1 : RUN false\n"}
{"errorDetail":{"message":"exit code 1"},"error":"The command '/bin/sh -c false' returned a non-zero code: 1"}
`)
	_, err := consumeStream(body, nil)
	if err == nil || !IsStreamError(err) {
		t.Fatalf("expected stream error, got %v", err)
	}
	if !strings.Contains(err.Error(), "non-zero code") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if IsStreamError(errors.New("other")) {
		t.Fatal("plain errors are not stream errors")
	}
}

func TestBuildContainerConfigHardening(t *testing.T) {
	config, hostCfg, netCfg := buildContainerConfig(ContainerSpec{
		Name:    "hangar-site",
		Image:   "nginx:1.25",
		Env:     map[string]string{"B": "2", "A": "1"},
		Labels:  map[string]string{"traefik.enable": "true"},
		Network: "traefik-net",
		Port:    80,
		Volume:  &VolumeMount{Name: "vol-site", Path: "/data"},
		Limits:  Limits{MemoryMB: 512, CPUQuota: 50000, PidsLimit: 256},
	})
	if strings.Join(config.Env, ",") != "A=1,B=2" {
		t.Fatalf("unexpected env %v", config.Env)
	}
	if config.Labels[LabelManaged] != "true" || config.Labels["traefik.enable"] != "true" {
		t.Fatalf("unexpected labels %v", config.Labels)
	}
	if hostCfg.Resources.Memory != 512*1024*1024 || hostCfg.Resources.CPUQuota != 50000 {
		t.Fatalf("unexpected limits %+v", hostCfg.Resources)
	}
	if hostCfg.Resources.PidsLimit == nil || *hostCfg.Resources.PidsLimit != 256 {
		t.Fatal("expected pids limit")
	}
	if len(hostCfg.Mounts) != 1 || hostCfg.Mounts[0].Source != "vol-site" || hostCfg.Mounts[0].Target != "/data" {
		t.Fatalf("unexpected mounts %+v", hostCfg.Mounts)
	}
	if netCfg == nil || netCfg.EndpointsConfig["traefik-net"] == nil {
		t.Fatal("expected network endpoint")
	}
	if hostCfg.Tmpfs["/tmp"] == "" || len(hostCfg.SecurityOpt) != 2 {
		t.Fatal("expected tmpfs and security options")
	}
}
