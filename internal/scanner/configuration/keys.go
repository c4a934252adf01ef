package configuration

import (
	"bufio"
	"bytes"
	"crypto/rsa"
	"fmt"

	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/policy"

	"golang.org/x/crypto/ssh"
)

// AuthorizedKeyFindings flags DSA keys and short RSA keys in an
// authorized_keys file. Lines which do not parse are skipped.
func AuthorizedKeyFindings(b []byte, p string) []model.Finding {
	var ret []model.Finding
	s := bufio.NewScanner(bytes.NewReader(b))
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := bytes.TrimSpace(s.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		key, comment, _, _, err := ssh.ParseAuthorizedKey(line)
		if err != nil {
			continue
		}
		switch key.Type() {
		case ssh.KeyAlgoDSA:
			ret = append(ret, model.Finding{
				Description: fmt.Sprintf("DSA key %q authorized in %s", comment, p),
				Severity:    policy.WeakDSASeverity,
				Domain:      model.DomainConfiguration,
				Rule:        "weak-authorized-key",
				Path:        p,
				Line:        lineNo,
			})
		case ssh.KeyAlgoRSA:
			bits := rsaBits(key)
			if bits == 0 || bits >= policy.MinRSABits {
				continue
			}
			ret = append(ret, model.Finding{
				Description: fmt.Sprintf("RSA key %q of %d bits authorized in %s", comment, bits, p),
				Severity:    policy.WeakRSASeverity,
				Domain:      model.DomainConfiguration,
				Rule:        "weak-authorized-key",
				Path:        p,
				Line:        lineNo,
			})
		}
	}
	return ret
}

func rsaBits(key ssh.PublicKey) int {
	ck, ok := key.(ssh.CryptoPublicKey)
	if !ok {
		return 0
	}
	pub, ok := ck.CryptoPublicKey().(*rsa.PublicKey)
	if !ok {
		return 0
	}
	return pub.N.BitLen()
}
