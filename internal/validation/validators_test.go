package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateInterfaceName(t *testing.T) {
	valid := []string{"eth0", "wg0", "tun0", "vlan.100", "br-lan"}
	for _, name := range valid {
		assert.NoError(t, ValidateInterfaceName(name), name)
	}

	invalid := []string{"", "a-very-long-interface-name", "eth0;rm -rf", "eth$0", "eth 0"}
	for _, name := range invalid {
		assert.Error(t, ValidateInterfaceName(name), name)
	}
}

func TestValidateIdentifier(t *testing.T) {
	assert.NoError(t, ValidateIdentifier("tor-dnscrypt"))
	assert.NoError(t, ValidateIdentifier("maximum_anonymity"))

	invalid := []string{"", "mode;drop", "mode name", "mode`id`", "mode|x"}
	for _, id := range invalid {
		assert.Error(t, ValidateIdentifier(id), id)
	}
}

func TestValidateIPOrCIDR(t *testing.T) {
	assert.NoError(t, ValidateIPOrCIDR("203.0.113.10"))
	assert.NoError(t, ValidateIPOrCIDR("2001:db8::1"))
	assert.NoError(t, ValidateIPOrCIDR("10.0.0.0/8"))

	assert.Error(t, ValidateIPOrCIDR(""))
	assert.Error(t, ValidateIPOrCIDR("not-an-ip"))
	assert.Error(t, ValidateIPOrCIDR("10.0.0.0/99"))
}

func TestValidatePortNumber(t *testing.T) {
	assert.NoError(t, ValidatePortNumber(1))
	assert.NoError(t, ValidatePortNumber(65535))
	assert.Error(t, ValidatePortNumber(0))
	assert.Error(t, ValidatePortNumber(70000))
}
