package opcua

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NodeFile YAML 位址空間定義
//
//	folders:
//	  - name: Line1
//	    variables:
//	      - {name: Speed, type: Double, value: 12.5, writable: true}
//	  - name: Motor
//	    parent: Line1
type NodeFile struct {
	Folders []FolderDef `yaml:"folders"`
}

// FolderDef 資料夾定義；Parent 為空時掛在 Objects 下
type FolderDef struct {
	Name      string        `yaml:"name"`
	Parent    string        `yaml:"parent"`
	Variables []VariableDef `yaml:"variables"`
}

// VariableDef 變數定義；Writable 未指定時為 true
type VariableDef struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Value    any    `yaml:"value"`
	Writable *bool  `yaml:"writable"`
}

// ParseNodeFile 解析 YAML 內容
func ParseNodeFile(data []byte) (*NodeFile, error) {
	var f NodeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("解析節點檔失敗: %w", err)
	}
	for i, folder := range f.Folders {
		if folder.Name == "" {
			return nil, fmt.Errorf("第 %d 個資料夾缺少名稱", i+1)
		}
		for _, v := range folder.Variables {
			if v.Name == "" {
				return nil, fmt.Errorf("資料夾 %s 有變數缺少名稱", folder.Name)
			}
			if _, err := ParseDataType(v.Type); err != nil {
				return nil, fmt.Errorf("變數 %s.%s: %w", folder.Name, v.Name, err)
			}
		}
	}
	return &f, nil
}

// LoadNodeFile 讀取 YAML 節點檔
func LoadNodeFile(path string) (*NodeFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("讀取節點檔 %s: %w", path, err)
	}
	f, err := ParseNodeFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Apply 依序將資料夾與變數加入位址空間，父資料夾須先定義
func (f *NodeFile) Apply(store *NodeStore) error {
	for _, folder := range f.Folders {
		parent := NewNumericNodeID(0, IDObjectsFolder)
		if folder.Parent != "" {
			parent = NewStringNodeID(SimulationNamespace, folder.Parent)
		}
		id, err := store.AddFolder(parent, folder.Name)
		if err != nil {
			return fmt.Errorf("新增資料夾 %s: %w", folder.Name, err)
		}
		for _, v := range folder.Variables {
			t, err := ParseDataType(v.Type)
			if err != nil {
				return err
			}
			writable := true
			if v.Writable != nil {
				writable = *v.Writable
			}
			if _, err := store.AddVariable(id, v.Name, t, v.Value, writable); err != nil {
				return fmt.Errorf("新增變數 %s.%s: %w", folder.Name, v.Name, err)
			}
		}
	}
	return nil
}
