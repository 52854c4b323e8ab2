package tentacle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSerialValid(t *testing.T) {
	assert.True(t, IsSerialValid("e46340474b4c3f31"))
	assert.False(t, IsSerialValid("e46340474b4c3f3"), "too short")
	assert.False(t, IsSerialValid("e46340474b4c3f311"), "too long")
	assert.False(t, IsSerialValid("E46340474B4C3F31"), "uppercase")
	assert.False(t, IsSerialValid("e46340474b4c-f31"), "delimiter")
}

func TestSerialDelimited(t *testing.T) {
	assert.Equal(t, "e46340474b4c-3f31", SerialDelimited("e46340474b4c3f31"))
	assert.True(t, IsSerialDelimitedValid("e46340474b4c-3f31"))
	assert.False(t, IsSerialDelimitedValid("e46340474b4c3f31"))
}

func TestSerialShort(t *testing.T) {
	assert.Equal(t, "3f31", SerialShort("e46340474b4c3f31"))
}

func TestSerialMatches(t *testing.T) {
	serial := "e46340474b4c3f31"
	assert.True(t, SerialMatches(serial, "e463"), "prefix")
	assert.True(t, SerialMatches(serial, "3f31"), "suffix")
	assert.True(t, SerialMatches(serial, serial), "full")
	assert.False(t, SerialMatches(serial, "0474"), "middle only")
	assert.False(t, SerialMatches(serial, ""))
	assert.False(t, SerialMatches("", "3f31"))
}

func TestAssertSerialValid(t *testing.T) {
	assert.NoError(t, AssertSerialValid("e46340474b4c3f31"))
	assert.Error(t, AssertSerialValid("nope"))
}
