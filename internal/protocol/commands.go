package protocol

// Control bytes understood by the bootloader's idle loop
const (
	CmdUpdate = 'U'
	CmdBoot   = 'B'
)

// Acknowledgment codes sent by the bootloader after every phase and frame
const (
	RespOK    = 0x00
	RespError = 0x01
)

// Bundle layout
const (
	SignatureSize = 256 // RSA-2048 modulus
	MetadataSize  = 6
	IVSize        = 16
	HeaderSize    = SignatureSize + MetadataSize + IVSize
)

// Cipher parameters
const (
	KeySize   = 16 // AES-128
	BlockSize = 16
)

// Frame parameters
const (
	FrameHeaderSize = 2
	MaxFrameData    = 16
)

// Size limits imposed by the 16-bit metadata fields. PKCS#7 always adds at
// least one byte, so the largest plaintext is one short of the largest
// block-aligned ciphertext.
const (
	MaxCiphertextSize = 0xFFF0
	MaxPlaintextSize  = MaxCiphertextSize - 1
)

// ResponseMessage returns human-readable text for an acknowledgment byte
func ResponseMessage(code byte) string {
	switch code {
	case RespOK:
		return "ok"
	case RespError:
		return "rejected"
	case CmdUpdate:
		return "unexpected update echo"
	default:
		return "unknown response"
	}
}
