package custody

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	xerrors "AgentPay-Chain/internal/errors"
)

// KeygenConfig 描述外部密钥生成工具的调用方式。
type KeygenConfig struct {
	Command string
	// Args 中的 "{path}" 占位符会被替换为目标文件路径。
	// 为空时使用 solana-keygen 的默认参数。
	Args []string
}

// defaultKeygenArgs 生成新密钥文件且不使用助记词口令。
func defaultKeygenArgs(path string) []string {
	return []string{"new", "--no-bip39-passphrase", "--silent", "--outfile", path}
}

// Create 在指定路径生成新的密钥文件并返回钱包句柄。
// 目标路径已存在时直接失败，绝不覆盖已有密钥。
func Create(ctx context.Context, cfg KeygenConfig, path string) (*Wallet, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "钱包文件路径不能为空")
	}
	if _, err := os.Stat(path); err == nil {
		return nil, xerrors.New(xerrors.CodeAlreadyExists, "目标路径已存在钱包文件",
			xerrors.WithMetadata("file", path),
			xerrors.WithNextStep("改用 load 读取现有钱包，或换一个路径"),
		)
	}

	command := cfg.Command
	if command == "" {
		command = "solana-keygen"
	}
	binaryPath, err := exec.LookPath(command)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, toolMissing(command)
		}
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "查找密钥生成工具失败",
			xerrors.WithMetadata("command", command))
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "创建钱包目录失败",
				xerrors.WithMetadata("dir", dir))
		}
	}

	args := cfg.Args
	if len(args) == 0 {
		args = defaultKeygenArgs(path)
	} else {
		expanded := make([]string, len(args))
		for i, arg := range args {
			expanded[i] = strings.ReplaceAll(arg, "{path}", path)
		}
		args = expanded
	}

	keygen := exec.CommandContext(ctx, binaryPath, args...)
	var stderr bytes.Buffer
	keygen.Stderr = &stderr
	if err := keygen.Run(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "执行密钥生成工具失败",
			xerrors.WithMetadata("command", command),
			xerrors.WithMetadata("stderr", strings.TrimSpace(stderr.String())),
		)
	}

	if _, err := os.Stat(path); err != nil {
		return nil, xerrors.New(xerrors.CodeUnknown, "密钥生成工具未产出钱包文件",
			xerrors.WithMetadata("file", path))
	}

	return Load(path)
}

// toolMissing 构造带平台安装提示的 TOOL_MISSING 错误。
// 工具不存在与生成失败是两类错误，前者附带补救步骤。
func toolMissing(command string) error {
	platform := runtime.GOOS
	var steps []string
	switch platform {
	case "darwin":
		steps = []string{"brew install solana"}
	case "linux":
		steps = []string{
			`sh -c "$(curl -sSfL https://release.anza.xyz/stable/install)"`,
			`export PATH="$HOME/.local/share/solana/install/active_release/bin:$PATH"`,
		}
	case "windows":
		steps = []string{"download and run the installer from https://docs.anza.xyz/cli/install"}
	default:
		steps = []string{"install the Solana CLI tools for your platform: https://docs.anza.xyz/cli/install"}
	}
	return xerrors.New(xerrors.CodeToolMissing, "未找到密钥生成工具 "+command,
		xerrors.WithMetadata("platform", platform),
		xerrors.WithMetadata("install_steps", strings.Join(steps, " ; ")),
		xerrors.WithNextStep("安装后重试 create"),
	)
}
