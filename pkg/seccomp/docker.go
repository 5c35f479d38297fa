package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Docker's --security-opt seccomp= flag expects its own JSON schema, not
// the OCI runtime-spec one; the types below mirror it.
type dockerProfile struct {
	DefaultAction string          `json:"defaultAction"`
	Architectures []string        `json:"architectures"`
	Syscalls      []dockerSyscall `json:"syscalls"`
}

type dockerSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

// DockerProfileJSON renders the default profile in Docker's seccomp JSON
// format for the docker CLI backend.
func DockerProfileJSON() ([]byte, error) {
	return toDockerJSON(DefaultProfile())
}

func toDockerJSON(p *specs.LinuxSeccomp) ([]byte, error) {
	dp := dockerProfile{
		DefaultAction: string(p.DefaultAction),
		Architectures: make([]string, 0, len(p.Architectures)),
		Syscalls:      make([]dockerSyscall, 0, len(p.Syscalls)),
	}

	for _, arch := range p.Architectures {
		dp.Architectures = append(dp.Architectures, string(arch))
	}

	for _, sc := range p.Syscalls {
		if len(sc.Args) > 0 {
			return nil, fmt.Errorf("argument-filtered rules are not supported in the Docker export")
		}
		dp.Syscalls = append(dp.Syscalls, dockerSyscall{
			Names:  sc.Names,
			Action: string(sc.Action),
		})
	}

	return json.Marshal(dp)
}
