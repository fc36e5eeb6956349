package zorptls

import (
	"crypto/x509"
	"encoding/pem"
	"io/ioutil"
	"os"
	"time"

	"github.com/account-login/zorptls/mitm"
)

// MITM wraps a mitm.Config with the on-disk CA material it was built from,
// persisting a freshly minted authority the first time it runs and loading
// it back on every subsequent start (§4.E's setup_key, generalized to the
// locally-generated-CA case rather than an externally supplied credential).
type MITM struct {
	*mitm.Config

	CAPath   string
	CacheDir string
}

// Init creates the CA certificate at CAPath if one doesn't exist yet, loads
// it, and builds the mitm.Config used to mint leaf certs on the fly.
func (m *MITM) Init() error {
	if _, err := os.Stat(m.CAPath); os.IsNotExist(err) {
		validity := 20 * 365 * 24 * time.Hour
		cert, privkey, err := mitm.NewAuthority("zorptls", "zorptls", validity)
		if err != nil {
			return err
		}

		certData := pem.EncodeToMemory(&pem.Block{
			Type: "CERTIFICATE", Bytes: cert.Raw,
		})
		keyData := pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(privkey),
		})

		merged := append(certData, keyData...)
		if err = ioutil.WriteFile(m.CAPath, merged, 0600); err != nil {
			return err
		}
	}

	data, err := ioutil.ReadFile(m.CAPath)
	if err != nil {
		return err
	}
	pemMap := map[string][]byte{}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		pemMap[block.Type] = block.Bytes
	}

	cert, err := x509.ParseCertificate(pemMap["CERTIFICATE"])
	if err != nil {
		return err
	}
	privkey, err := x509.ParsePKCS1PrivateKey(pemMap["RSA PRIVATE KEY"])
	if err != nil {
		return err
	}

	m.Config, err = mitm.NewConfig(cert, privkey)
	if err != nil {
		return err
	}
	if m.CacheDir != "" {
		m.Config.SetCacheDir(m.CacheDir)
	}

	return nil
}
