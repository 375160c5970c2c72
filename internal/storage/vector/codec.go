package vector

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// 向量产物格式：magic | version | dim(uint32) | count(uint64) | count*dim float32，全部小端
var blobMagic = [4]byte{'V', 'S', 'F', 'I'}

const blobVersion uint32 = 1

type blobHeader struct {
	Magic   [4]byte
	Version uint32
	Dim     uint32
	Count   uint64
}

func encodeBlob(w io.Writer, dim int, data []float32) error {
	bw := bufio.NewWriter(w)
	h := blobHeader{Magic: blobMagic, Version: blobVersion, Dim: uint32(dim), Count: uint64(len(data) / dim)}
	if err := binary.Write(bw, binary.LittleEndian, &h); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, data); err != nil {
		return err
	}
	return bw.Flush()
}

// decodeBlob 读取向量产物，wantDim 为索引配置的维度
func decodeBlob(r io.Reader, wantDim int) ([]float32, int, error) {
	br := bufio.NewReader(r)
	var h blobHeader
	if err := binary.Read(br, binary.LittleEndian, &h); err != nil {
		return nil, 0, fmt.Errorf("%w: 读取头部失败: %v", ErrCorruptIndex, err)
	}
	if h.Magic != blobMagic {
		return nil, 0, fmt.Errorf("%w: magic 不匹配", ErrCorruptIndex)
	}
	if h.Version != blobVersion {
		return nil, 0, fmt.Errorf("%w: 不支持的版本 %d", ErrCorruptIndex, h.Version)
	}
	if int(h.Dim) != wantDim {
		return nil, 0, fmt.Errorf("%w: 产物维度 %d 与索引维度 %d 不符", ErrCorruptIndex, h.Dim, wantDim)
	}
	const maxVectors = 1 << 28
	if h.Count > maxVectors {
		return nil, 0, fmt.Errorf("%w: 向量数 %d 超出上限", ErrCorruptIndex, h.Count)
	}
	data := make([]float32, int(h.Count)*wantDim)
	if err := binary.Read(br, binary.LittleEndian, data); err != nil {
		return nil, 0, fmt.Errorf("%w: 向量数据截断: %v", ErrCorruptIndex, err)
	}
	if _, err := br.ReadByte(); !errors.Is(err, io.EOF) {
		return nil, 0, fmt.Errorf("%w: 向量数据后有多余字节", ErrCorruptIndex)
	}
	return data, int(h.Count), nil
}

func encodeIDs(w io.Writer, ids []int64) error {
	return json.NewEncoder(w).Encode(ids)
}

func decodeIDs(r io.Reader) ([]int64, error) {
	var ids []int64
	if err := json.NewDecoder(r).Decode(&ids); err != nil {
		return nil, fmt.Errorf("%w: 解析 id 映射失败: %v", ErrCorruptIndex, err)
	}
	return ids, nil
}
