package service

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	keyAlphabet     = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	trialSuffixSize = 6
)

// GenerateTrialKey 生成试用密钥：前缀 + 6 位大写 base36 随机字符
func GenerateTrialKey(prefix string) (string, error) {
	var sb strings.Builder
	sb.Grow(len(prefix) + trialSuffixSize)
	sb.WriteString(prefix)

	max := big.NewInt(int64(len(keyAlphabet)))
	for i := 0; i < trialSuffixSize; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(keyAlphabet[n.Int64()])
	}
	return sb.String(), nil
}
