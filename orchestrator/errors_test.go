package orchestrator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_classifyFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		giveErr error
		giveRes ExecResult
		want    string
	}{
		{
			name:    "structured error wins over everything",
			giveErr: NewExecError(ErrorKindCompiler, "bad pragma in %s", "Token.sol"),
			giveRes: ExecResult{ExitCode: 1, Log: "rate limit exceeded"},
			want:    "compiler: bad pragma in Token.sol",
		},
		{
			name:    "wrapped structured error is still found",
			giveErr: errors.Join(errors.New("attempt 3"), NewExecError(ErrorKindRemoteAPI, "429 from explorer")),
			want:    "remote_api: 429 from explorer",
		},
		{
			name:    "compiler signature extracts the matching line",
			giveErr: errors.New("failed with exit code 1"),
			giveRes: ExecResult{
				ExitCode: 1,
				Log:      "Compiling 42 files\nCompilerError: Stack too deep in Bridge.sol\ndone",
			},
			want: "compilation failed: CompilerError: Stack too deep in Bridge.sol",
		},
		{
			name:    "last matching line wins",
			giveErr: errors.New("failed"),
			giveRes: ExecResult{
				ExitCode: 1,
				Log:      "solc exited early\nretrying\nsolc exited with code 1",
			},
			want: "compilation failed: solc exited with code 1",
		},
		{
			name:    "remote api signature",
			giveErr: errors.New("failed"),
			giveRes: ExecResult{ExitCode: 1, Log: "error: connection refused by rpc.example.com"},
			want:    "remote API unavailable: error: connection refused by rpc.example.com",
		},
		{
			name:    "compiler class checked before remote api",
			giveErr: errors.New("failed"),
			giveRes: ExecResult{ExitCode: 1, Log: "429 too many requests\ncompiler run failed"},
			want:    "compilation failed: compiler run failed",
		},
		{
			name:    "unmatched log falls back to exit code",
			giveErr: errors.New("failed"),
			giveRes: ExecResult{ExitCode: 7, Log: "nothing recognizable here"},
			want:    "failed with exit code 7",
		},
		{
			name:    "no exit code falls back to the error text",
			giveErr: errors.New("dial tcp: no route to host"),
			want:    "dial tcp: no route to host",
		},
		{
			name: "nothing at all",
			want: "failed with unknown error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, classifyFailure(tt.giveErr, tt.giveRes))
		})
	}
}

func Test_ExecError_Error(t *testing.T) {
	t.Parallel()

	err := NewExecError(ErrorKindConfig, "missing rpc url for %s", "alpha")
	assert.Equal(t, "config: missing rpc url for alpha", err.Error())
}
