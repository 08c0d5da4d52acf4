/*
Copyright 2025 Codenotary Inc. All rights reserved.

SPDX-License-Identifier: BUSL-1.1
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    https://mariadb.com/bsl11/

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package appendable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
)

// Metadata is a small string-keyed property bag serialized into the header
// of every appendable file. Creation-time engine settings are stored here
// and validated on reopen.
type Metadata struct {
	data map[string][]byte
}

func NewMetadata(b []byte) *Metadata {
	m := &Metadata{
		data: make(map[string][]byte),
	}
	if b != nil {
		bb := bytes.NewBuffer(b)
		m.ReadFrom(bufio.NewReader(bb))
	}
	return m
}

func (m *Metadata) Bytes() []byte {
	var b bytes.Buffer
	w := bufio.NewWriter(&b)
	m.WriteTo(w)
	w.Flush()
	return b.Bytes()
}

func (m *Metadata) ReadFrom(r io.Reader) (int64, error) {
	lenb, err := readField(r)
	if err != nil {
		return 0, err
	}
	n := int(binary.BigEndian.Uint32(lenb))

	for i := 0; i < n; i++ {
		k, err := readField(r)
		if err != nil {
			return 0, err
		}

		v, err := readField(r)
		if err != nil {
			return 0, err
		}

		m.data[string(k)] = v
	}

	return int64(n), nil
}

func (m *Metadata) WriteTo(w io.Writer) (n int64, err error) {
	lenb := make([]byte, 4)
	binary.BigEndian.PutUint32(lenb, uint32(len(m.data)))
	wn, err := writeField(lenb, w)
	n += int64(wn)

	if err != nil {
		return
	}

	for k, v := range m.data {
		wn, err = writeField([]byte(k), w)
		n += int64(wn)

		if err != nil {
			return
		}

		wn, err = writeField(v, w)
		n += int64(wn)

		if err != nil {
			return
		}
	}

	return
}

func (m *Metadata) PutInt(key string, n int) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	m.Put(key, b)
}

func (m *Metadata) GetInt(key string) (int, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, ok
	}
	return int(binary.BigEndian.Uint64(v)), true
}

func (m *Metadata) PutString(key string, s string) {
	m.Put(key, []byte(s))
}

func (m *Metadata) GetString(key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", ok
	}
	return string(v), true
}

func (m *Metadata) Put(key string, value []byte) {
	m.data[key] = value
}

func (m *Metadata) Get(key string) ([]byte, bool) {
	v, ok := m.data[key]
	return v, ok
}

func readField(r io.Reader) ([]byte, error) {
	lenb := make([]byte, 4)
	_, err := io.ReadFull(r, lenb)
	if err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenb)

	fb := make([]byte, n)
	_, err = io.ReadFull(r, fb)
	if err != nil {
		return nil, err
	}

	return fb, nil
}

func writeField(b []byte, w io.Writer) (n int, err error) {
	lenb := make([]byte, 4)
	binary.BigEndian.PutUint32(lenb, uint32(len(b)))
	wn, err := w.Write(lenb)
	n += wn
	if err != nil {
		return n, err
	}

	wn, err = w.Write(b)
	n += wn

	return
}
