package custody

import (
	"os"

	"github.com/gagliardetto/solana-go"

	xerrors "AgentPay-Chain/internal/errors"
)

// secretKeyLength 是密钥文件中字节数组的期望长度（种子 + 公钥）。
const secretKeyLength = 64

// Wallet 持有本地签名密钥。私钥字节不会离开本包：
// 对外仅暴露派生的公钥地址与签名能力。
type Wallet struct {
	priv solana.PrivateKey
}

// Signer 是签名管线所依赖的最小接口。
type Signer interface {
	PublicKey() solana.PublicKey
	Address() string
	SignTransaction(tx *solana.Transaction) ([]solana.Signature, error)
}

// Load 从指定路径读取密钥文件并返回钱包句柄。
// 文件内容必须是 JSON 字节数组形式的 64 字节私钥。
func Load(path string) (*Wallet, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "未找到钱包文件",
				xerrors.WithMetadata("file", path),
				xerrors.WithNextStep("先通过 create 生成钱包，或检查 wallet.path 配置"),
			)
		}
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "访问钱包文件失败",
			xerrors.WithMetadata("file", path))
	}

	priv, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidFormat, err, "钱包文件格式不正确",
			xerrors.WithMetadata("file", path),
			xerrors.WithNextStep("确认文件是 JSON 字节数组形式的私钥，或重新生成钱包"),
		)
	}
	if len(priv) != secretKeyLength {
		return nil, xerrors.New(xerrors.CodeInvalidFormat, "私钥长度不正确",
			xerrors.WithMetadata("file", path),
		)
	}
	return &Wallet{priv: priv}, nil
}

// PublicKey 返回派生的公钥。对合法句柄恒定且总是成功。
func (w *Wallet) PublicKey() solana.PublicKey {
	return w.priv.PublicKey()
}

// Address 返回 base58 编码的公钥地址。
func (w *Wallet) Address() string {
	return w.priv.PublicKey().String()
}

// SignTransaction 使用本钱包对交易签名。交易所需的签名者中
// 不包含本钱包时返回底层错误，由调用方归类。
func (w *Wallet) SignTransaction(tx *solana.Transaction) ([]solana.Signature, error) {
	pub := w.priv.PublicKey()
	return tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(pub) {
			return &w.priv
		}
		return nil
	})
}
