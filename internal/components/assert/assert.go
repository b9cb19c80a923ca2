package assert

func NotNil(value any) {
	if value == nil {
		panic("expected value to be not nil")
	}
}

func NonNegative(n int) {
	if n < 0 {
		panic("expected integer to be non-negative")
	}
}
