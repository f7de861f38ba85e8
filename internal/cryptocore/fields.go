package cryptocore

import "fmt"

// EncryptFields seals each non-empty field into its own envelope. The field
// name is bound into the envelope so envelopes cannot be swapped between
// fields.
func EncryptFields(fields map[string][]byte, key []byte, ad AuthData) (map[string]*Envelope, error) {
	out := make(map[string]*Envelope, len(fields))
	for name, value := range fields {
		if len(value) == 0 {
			continue
		}
		fieldAD := ad
		fieldAD.Field = name
		env, err := Encrypt(value, key, fieldAD)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		out[name] = env
	}
	return out, nil
}

// DecryptFields opens each envelope independently. A field that fails is
// reported in the error map and left out of the plaintext map.
func DecryptFields(envs map[string]*Envelope, key []byte) (map[string][]byte, map[string]error) {
	plain := make(map[string][]byte, len(envs))
	var failed map[string]error
	for name, env := range envs {
		pt, err := decryptField(name, env, key)
		if err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[name] = err
			continue
		}
		plain[name] = pt
	}
	return plain, failed
}

func decryptField(name string, env *Envelope, key []byte) ([]byte, error) {
	pt, err := Decrypt(env, key)
	if err != nil {
		return nil, err
	}
	ad, err := env.Metadata()
	if err != nil {
		Zero(pt)
		return nil, err
	}
	if ad.Field != name {
		Zero(pt)
		return nil, fmt.Errorf("%w: want %q, got %q", ErrFieldMismatch, name, ad.Field)
	}
	return pt, nil
}
