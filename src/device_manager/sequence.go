package device_manager

import (
	"fmt"

	"github.com/nhirsama/oslp-adapter/src/inter"
)

const (
	// MaxSequenceNumber 线上序列号字段为 2 字节
	MaxSequenceNumber      = 0xFFFF
	DefaultSequenceMaximum = MaxSequenceNumber
	DefaultSequenceWindow  = 6
)

// Window 序列号可接受窗口
// 序列号在 [0, Maximum] 内循环
type Window struct {
	Maximum int
	Size    int
}

// NewWindow 校验窗口配置
// 窗口超过取值范围一半时回绕判断会互相重叠，直接拒绝
func NewWindow(maximum, size int) (Window, error) {
	if maximum <= 0 || maximum > MaxSequenceNumber {
		return Window{}, fmt.Errorf("序列号上限必须在 1..%d 之间: %d", MaxSequenceNumber, maximum)
	}
	if size <= 0 {
		return Window{}, fmt.Errorf("序列号窗口必须为正数: %d", size)
	}
	if 2*size >= maximum {
		return Window{}, fmt.Errorf("序列号窗口 %d 过大, 必须小于上限 %d 的一半", size, maximum)
	}
	return Window{Maximum: maximum, Size: size}, nil
}

// IsAcceptable 判断候选序列号是否落在期望值附近的窗口内 (含回绕)
func IsAcceptable(current, candidate, maximum, window int) bool {
	expected := (current + 1) % (maximum + 1)
	diff := expected - candidate
	if diff < 0 {
		diff = -diff
	}
	return diff <= window || diff >= maximum-window
}

// Check 校验候选序列号，任一方为 nil 时返回 ErrMissingSequenceState
func (w Window) Check(current, candidate *int) error {
	return CheckSequenceNumber(current, candidate, w.Maximum, w.Size)
}

// Next 平台下发请求使用的序列号
func (w Window) Next(current int) int {
	return (current + 1) % (w.Maximum + 1)
}

// CheckSequenceNumber 包装 IsAcceptable 并返回对应错误
func CheckSequenceNumber(current, candidate *int, maximum, window int) error {
	if current == nil || candidate == nil {
		return inter.ErrMissingSequenceState
	}
	if !IsAcceptable(*current, *candidate, maximum, window) {
		return fmt.Errorf("%w: 当前 %d, 收到 %d", inter.ErrSequenceNumberInvalid, *current, *candidate)
	}
	return nil
}
