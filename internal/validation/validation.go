// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mmeshcher/channel-hub/internal/model"
)

// NormalizeOwnerID проверяет, что идентификатор владельца является адресом Ethereum,
// и возвращает его в нижнем регистре.
func NormalizeOwnerID(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if !strings.HasPrefix(id, "0x") && !strings.HasPrefix(id, "0X") {
		return "", false
	}
	if !common.IsHexAddress(id) {
		return "", false
	}
	return strings.ToLower(common.HexToAddress(id).Hex()), true
}

// ParseRole разбирает роль канала.
func ParseRole(s string) (model.Role, bool) {
	role := model.Role(strings.ToLower(strings.TrimSpace(s)))
	return role, role.Valid()
}

// IsValidChain проверяет имя сети: строчные латинские буквы, цифры и дефис, не длиннее 32 символов.
func IsValidChain(name string) bool {
	if name == "" || len(name) > 32 {
		return false
	}
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9', ch == '-':
		default:
			return false
		}
	}
	return name[0] != '-' && name[len(name)-1] != '-'
}
