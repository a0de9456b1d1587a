package codeview

import "fmt"

// SymbolKind is the tag stored in the second u16 of every symbol record.
type SymbolKind uint16

// Symbol record kinds (S_*).
const (
	S_COMPILE                              SymbolKind = 0x0001
	S_REGISTER_16t                         SymbolKind = 0x0002
	S_CONSTANT_16t                         SymbolKind = 0x0003
	S_UDT_16t                              SymbolKind = 0x0004
	S_SSEARCH                              SymbolKind = 0x0005
	S_END                                  SymbolKind = 0x0006
	S_SKIP                                 SymbolKind = 0x0007
	S_CVRESERVE                            SymbolKind = 0x0008
	S_OBJNAME_ST                           SymbolKind = 0x0009
	S_ENDARG                               SymbolKind = 0x000a
	S_COBOLUDT_16t                         SymbolKind = 0x000b
	S_MANYREG_16t                          SymbolKind = 0x000c
	S_RETURN                               SymbolKind = 0x000d
	S_ENTRYTHIS                            SymbolKind = 0x000e
	S_BPREL16                              SymbolKind = 0x0100
	S_LDATA16                              SymbolKind = 0x0101
	S_GDATA16                              SymbolKind = 0x0102
	S_PUB16                                SymbolKind = 0x0103
	S_LPROC16                              SymbolKind = 0x0104
	S_GPROC16                              SymbolKind = 0x0105
	S_THUNK16                              SymbolKind = 0x0106
	S_BLOCK16                              SymbolKind = 0x0107
	S_WITH16                               SymbolKind = 0x0108
	S_LABEL16                              SymbolKind = 0x0109
	S_CEXMODEL16                           SymbolKind = 0x010a
	S_VFTABLE16                            SymbolKind = 0x010b
	S_REGREL16                             SymbolKind = 0x010c
	S_BPREL32_16t                          SymbolKind = 0x0200
	S_LDATA32_16t                          SymbolKind = 0x0201
	S_GDATA32_16t                          SymbolKind = 0x0202
	S_PUB32_16t                            SymbolKind = 0x0203
	S_LPROC32_16t                          SymbolKind = 0x0204
	S_GPROC32_16t                          SymbolKind = 0x0205
	S_THUNK32_ST                           SymbolKind = 0x0206
	S_BLOCK32_ST                           SymbolKind = 0x0207
	S_WITH32_ST                            SymbolKind = 0x0208
	S_LABEL32_ST                           SymbolKind = 0x0209
	S_CEXMODEL32                           SymbolKind = 0x020a
	S_VFTABLE32_16t                        SymbolKind = 0x020b
	S_REGREL32_16t                         SymbolKind = 0x020c
	S_LTHREAD32_16t                        SymbolKind = 0x020d
	S_GTHREAD32_16t                        SymbolKind = 0x020e
	S_SLINK32                              SymbolKind = 0x020f
	S_LPROCMIPS_16t                        SymbolKind = 0x0300
	S_GPROCMIPS_16t                        SymbolKind = 0x0301
	S_PROCREF_ST                           SymbolKind = 0x0400
	S_DATAREF_ST                           SymbolKind = 0x0401
	S_ALIGN                                SymbolKind = 0x0402
	S_LPROCREF_ST                          SymbolKind = 0x0403
	S_OEM                                  SymbolKind = 0x0404
	S_TI16_MAX                             SymbolKind = 0x1000
	S_REGISTER_ST                          SymbolKind = 0x1001
	S_CONSTANT_ST                          SymbolKind = 0x1002
	S_UDT_ST                               SymbolKind = 0x1003
	S_COBOLUDT_ST                          SymbolKind = 0x1004
	S_MANYREG_ST                           SymbolKind = 0x1005
	S_BPREL32_ST                           SymbolKind = 0x1006
	S_LDATA32_ST                           SymbolKind = 0x1007
	S_GDATA32_ST                           SymbolKind = 0x1008
	S_PUB32_ST                             SymbolKind = 0x1009
	S_LPROC32_ST                           SymbolKind = 0x100a
	S_GPROC32_ST                           SymbolKind = 0x100b
	S_VFTABLE32                            SymbolKind = 0x100c
	S_REGREL32_ST                          SymbolKind = 0x100d
	S_LTHREAD32_ST                         SymbolKind = 0x100e
	S_GTHREAD32_ST                         SymbolKind = 0x100f
	S_LPROCMIPS_ST                         SymbolKind = 0x1010
	S_GPROCMIPS_ST                         SymbolKind = 0x1011
	S_FRAMEPROC                            SymbolKind = 0x1012
	S_COMPILE2_ST                          SymbolKind = 0x1013
	S_MANYREG2_ST                          SymbolKind = 0x1014
	S_LPROCIA64_ST                         SymbolKind = 0x1015
	S_GPROCIA64_ST                         SymbolKind = 0x1016
	S_LOCALSLOT_ST                         SymbolKind = 0x1017
	S_PARAMSLOT_ST                         SymbolKind = 0x1018
	S_ANNOTATION                           SymbolKind = 0x1019
	S_GMANPROC_ST                          SymbolKind = 0x101a
	S_LMANPROC_ST                          SymbolKind = 0x101b
	S_RESERVED1                            SymbolKind = 0x101c
	S_RESERVED2                            SymbolKind = 0x101d
	S_RESERVED3                            SymbolKind = 0x101e
	S_RESERVED4                            SymbolKind = 0x101f
	S_LMANDATA_ST                          SymbolKind = 0x1020
	S_GMANDATA_ST                          SymbolKind = 0x1021
	S_MANFRAMEREL_ST                       SymbolKind = 0x1022
	S_MANREGISTER_ST                       SymbolKind = 0x1023
	S_MANSLOT_ST                           SymbolKind = 0x1024
	S_MANMANYREG_ST                        SymbolKind = 0x1025
	S_MANREGREL_ST                         SymbolKind = 0x1026
	S_MANMANYREG2_ST                       SymbolKind = 0x1027
	S_UNAMESPACE_ST                        SymbolKind = 0x1028
	S_ST_MAX                               SymbolKind = 0x1100
	S_OBJNAME                              SymbolKind = 0x1101
	S_THUNK32                              SymbolKind = 0x1102
	S_BLOCK32                              SymbolKind = 0x1103
	S_WITH32                               SymbolKind = 0x1104
	S_LABEL32                              SymbolKind = 0x1105
	S_REGISTER                             SymbolKind = 0x1106
	S_CONSTANT                             SymbolKind = 0x1107
	S_UDT                                  SymbolKind = 0x1108
	S_COBOLUDT                             SymbolKind = 0x1109
	S_MANYREG                              SymbolKind = 0x110a
	S_BPREL32                              SymbolKind = 0x110b
	S_LDATA32                              SymbolKind = 0x110c
	S_GDATA32                              SymbolKind = 0x110d
	S_PUB32                                SymbolKind = 0x110e
	S_LPROC32                              SymbolKind = 0x110f
	S_GPROC32                              SymbolKind = 0x1110
	S_REGREL32                             SymbolKind = 0x1111
	S_LTHREAD32                            SymbolKind = 0x1112
	S_GTHREAD32                            SymbolKind = 0x1113
	S_LPROCMIPS                            SymbolKind = 0x1114
	S_GPROCMIPS                            SymbolKind = 0x1115
	S_COMPILE2                             SymbolKind = 0x1116
	S_MANYREG2                             SymbolKind = 0x1117
	S_LPROCIA64                            SymbolKind = 0x1118
	S_GPROCIA64                            SymbolKind = 0x1119
	S_LOCALSLOT                            SymbolKind = 0x111a
	S_PARAMSLOT                            SymbolKind = 0x111b
	S_LMANDATA                             SymbolKind = 0x111c
	S_GMANDATA                             SymbolKind = 0x111d
	S_MANFRAMEREL                          SymbolKind = 0x111e
	S_MANREGISTER                          SymbolKind = 0x111f
	S_MANSLOT                              SymbolKind = 0x1120
	S_MANMANYREG                           SymbolKind = 0x1121
	S_MANREGREL                            SymbolKind = 0x1122
	S_MANMANYREG2                          SymbolKind = 0x1123
	S_UNAMESPACE                           SymbolKind = 0x1124
	S_PROCREF                              SymbolKind = 0x1125
	S_DATAREF                              SymbolKind = 0x1126
	S_LPROCREF                             SymbolKind = 0x1127
	S_ANNOTATIONREF                        SymbolKind = 0x1128
	S_TOKENREF                             SymbolKind = 0x1129
	S_GMANPROC                             SymbolKind = 0x112a
	S_LMANPROC                             SymbolKind = 0x112b
	S_TRAMPOLINE                           SymbolKind = 0x112c
	S_MANCONSTANT                          SymbolKind = 0x112d
	S_ATTR_FRAMEREL                        SymbolKind = 0x112e
	S_ATTR_REGISTER                        SymbolKind = 0x112f
	S_ATTR_REGREL                          SymbolKind = 0x1130
	S_ATTR_MANYREG                         SymbolKind = 0x1131
	S_SEPCODE                              SymbolKind = 0x1132
	S_LOCAL_2005                           SymbolKind = 0x1133
	S_DEFRANGE_2005                        SymbolKind = 0x1134
	S_DEFRANGE2_2005                       SymbolKind = 0x1135
	S_SECTION                              SymbolKind = 0x1136
	S_COFFGROUP                            SymbolKind = 0x1137
	S_EXPORT                               SymbolKind = 0x1138
	S_CALLSITEINFO                         SymbolKind = 0x1139
	S_FRAMECOOKIE                          SymbolKind = 0x113a
	S_DISCARDED                            SymbolKind = 0x113b
	S_COMPILE3                             SymbolKind = 0x113c
	S_ENVBLOCK                             SymbolKind = 0x113d
	S_LOCAL                                SymbolKind = 0x113e
	S_DEFRANGE                             SymbolKind = 0x113f
	S_DEFRANGE_SUBFIELD                    SymbolKind = 0x1140
	S_DEFRANGE_REGISTER                    SymbolKind = 0x1141
	S_DEFRANGE_FRAMEPOINTER_REL            SymbolKind = 0x1142
	S_DEFRANGE_SUBFIELD_REGISTER           SymbolKind = 0x1143
	S_DEFRANGE_FRAMEPOINTER_REL_FULL_SCOPE SymbolKind = 0x1144
	S_DEFRANGE_REGISTER_REL                SymbolKind = 0x1145
	S_LPROC32_ID                           SymbolKind = 0x1146
	S_GPROC32_ID                           SymbolKind = 0x1147
	S_LPROCMIPS_ID                         SymbolKind = 0x1148
	S_GPROCMIPS_ID                         SymbolKind = 0x1149
	S_LPROCIA64_ID                         SymbolKind = 0x114a
	S_GPROCIA64_ID                         SymbolKind = 0x114b
	S_BUILDINFO                            SymbolKind = 0x114c
	S_INLINESITE                           SymbolKind = 0x114d
	S_INLINESITE_END                       SymbolKind = 0x114e
	S_PROC_ID_END                          SymbolKind = 0x114f
	S_DEFRANGE_HLSL                        SymbolKind = 0x1150
	S_GDATA_HLSL                           SymbolKind = 0x1151
	S_LDATA_HLSL                           SymbolKind = 0x1152
	S_FILESTATIC                           SymbolKind = 0x1153
	S_ARMSWITCHTABLE                       SymbolKind = 0x1159
	S_CALLEES                              SymbolKind = 0x115a
	S_CALLERS                              SymbolKind = 0x115b
	S_POGODATA                             SymbolKind = 0x115c
	S_INLINESITE2                          SymbolKind = 0x115d
	S_HEAPALLOCSITE                        SymbolKind = 0x115e
	S_MOD_TYPEREF                          SymbolKind = 0x115f
	S_REF_MINIPDB                          SymbolKind = 0x1160
	S_PDBMAP                               SymbolKind = 0x1161
	S_GDATA_HLSL32                         SymbolKind = 0x1162
	S_LDATA_HLSL32                         SymbolKind = 0x1163
	S_GDATA_HLSL32_EX                      SymbolKind = 0x1164
	S_LDATA_HLSL32_EX                      SymbolKind = 0x1165
	S_FASTLINK                             SymbolKind = 0x1167
	S_INLINEES                             SymbolKind = 0x1168
	S_RECTYPE_MAX                          SymbolKind = 0x1169
)

var kindNames = map[SymbolKind]string{
	S_COMPILE:                              "S_COMPILE",
	S_REGISTER_16t:                         "S_REGISTER_16t",
	S_CONSTANT_16t:                         "S_CONSTANT_16t",
	S_UDT_16t:                              "S_UDT_16t",
	S_SSEARCH:                              "S_SSEARCH",
	S_END:                                  "S_END",
	S_SKIP:                                 "S_SKIP",
	S_CVRESERVE:                            "S_CVRESERVE",
	S_OBJNAME_ST:                           "S_OBJNAME_ST",
	S_ENDARG:                               "S_ENDARG",
	S_COBOLUDT_16t:                         "S_COBOLUDT_16t",
	S_MANYREG_16t:                          "S_MANYREG_16t",
	S_RETURN:                               "S_RETURN",
	S_ENTRYTHIS:                            "S_ENTRYTHIS",
	S_BPREL16:                              "S_BPREL16",
	S_LDATA16:                              "S_LDATA16",
	S_GDATA16:                              "S_GDATA16",
	S_PUB16:                                "S_PUB16",
	S_LPROC16:                              "S_LPROC16",
	S_GPROC16:                              "S_GPROC16",
	S_THUNK16:                              "S_THUNK16",
	S_BLOCK16:                              "S_BLOCK16",
	S_WITH16:                               "S_WITH16",
	S_LABEL16:                              "S_LABEL16",
	S_CEXMODEL16:                           "S_CEXMODEL16",
	S_VFTABLE16:                            "S_VFTABLE16",
	S_REGREL16:                             "S_REGREL16",
	S_BPREL32_16t:                          "S_BPREL32_16t",
	S_LDATA32_16t:                          "S_LDATA32_16t",
	S_GDATA32_16t:                          "S_GDATA32_16t",
	S_PUB32_16t:                            "S_PUB32_16t",
	S_LPROC32_16t:                          "S_LPROC32_16t",
	S_GPROC32_16t:                          "S_GPROC32_16t",
	S_THUNK32_ST:                           "S_THUNK32_ST",
	S_BLOCK32_ST:                           "S_BLOCK32_ST",
	S_WITH32_ST:                            "S_WITH32_ST",
	S_LABEL32_ST:                           "S_LABEL32_ST",
	S_CEXMODEL32:                           "S_CEXMODEL32",
	S_VFTABLE32_16t:                        "S_VFTABLE32_16t",
	S_REGREL32_16t:                         "S_REGREL32_16t",
	S_LTHREAD32_16t:                        "S_LTHREAD32_16t",
	S_GTHREAD32_16t:                        "S_GTHREAD32_16t",
	S_SLINK32:                              "S_SLINK32",
	S_LPROCMIPS_16t:                        "S_LPROCMIPS_16t",
	S_GPROCMIPS_16t:                        "S_GPROCMIPS_16t",
	S_PROCREF_ST:                           "S_PROCREF_ST",
	S_DATAREF_ST:                           "S_DATAREF_ST",
	S_ALIGN:                                "S_ALIGN",
	S_LPROCREF_ST:                          "S_LPROCREF_ST",
	S_OEM:                                  "S_OEM",
	S_TI16_MAX:                             "S_TI16_MAX",
	S_REGISTER_ST:                          "S_REGISTER_ST",
	S_CONSTANT_ST:                          "S_CONSTANT_ST",
	S_UDT_ST:                               "S_UDT_ST",
	S_COBOLUDT_ST:                          "S_COBOLUDT_ST",
	S_MANYREG_ST:                           "S_MANYREG_ST",
	S_BPREL32_ST:                           "S_BPREL32_ST",
	S_LDATA32_ST:                           "S_LDATA32_ST",
	S_GDATA32_ST:                           "S_GDATA32_ST",
	S_PUB32_ST:                             "S_PUB32_ST",
	S_LPROC32_ST:                           "S_LPROC32_ST",
	S_GPROC32_ST:                           "S_GPROC32_ST",
	S_VFTABLE32:                            "S_VFTABLE32",
	S_REGREL32_ST:                          "S_REGREL32_ST",
	S_LTHREAD32_ST:                         "S_LTHREAD32_ST",
	S_GTHREAD32_ST:                         "S_GTHREAD32_ST",
	S_LPROCMIPS_ST:                         "S_LPROCMIPS_ST",
	S_GPROCMIPS_ST:                         "S_GPROCMIPS_ST",
	S_FRAMEPROC:                            "S_FRAMEPROC",
	S_COMPILE2_ST:                          "S_COMPILE2_ST",
	S_MANYREG2_ST:                          "S_MANYREG2_ST",
	S_LPROCIA64_ST:                         "S_LPROCIA64_ST",
	S_GPROCIA64_ST:                         "S_GPROCIA64_ST",
	S_LOCALSLOT_ST:                         "S_LOCALSLOT_ST",
	S_PARAMSLOT_ST:                         "S_PARAMSLOT_ST",
	S_ANNOTATION:                           "S_ANNOTATION",
	S_GMANPROC_ST:                          "S_GMANPROC_ST",
	S_LMANPROC_ST:                          "S_LMANPROC_ST",
	S_RESERVED1:                            "S_RESERVED1",
	S_RESERVED2:                            "S_RESERVED2",
	S_RESERVED3:                            "S_RESERVED3",
	S_RESERVED4:                            "S_RESERVED4",
	S_LMANDATA_ST:                          "S_LMANDATA_ST",
	S_GMANDATA_ST:                          "S_GMANDATA_ST",
	S_MANFRAMEREL_ST:                       "S_MANFRAMEREL_ST",
	S_MANREGISTER_ST:                       "S_MANREGISTER_ST",
	S_MANSLOT_ST:                           "S_MANSLOT_ST",
	S_MANMANYREG_ST:                        "S_MANMANYREG_ST",
	S_MANREGREL_ST:                         "S_MANREGREL_ST",
	S_MANMANYREG2_ST:                       "S_MANMANYREG2_ST",
	S_UNAMESPACE_ST:                        "S_UNAMESPACE_ST",
	S_ST_MAX:                               "S_ST_MAX",
	S_OBJNAME:                              "S_OBJNAME",
	S_THUNK32:                              "S_THUNK32",
	S_BLOCK32:                              "S_BLOCK32",
	S_WITH32:                               "S_WITH32",
	S_LABEL32:                              "S_LABEL32",
	S_REGISTER:                             "S_REGISTER",
	S_CONSTANT:                             "S_CONSTANT",
	S_UDT:                                  "S_UDT",
	S_COBOLUDT:                             "S_COBOLUDT",
	S_MANYREG:                              "S_MANYREG",
	S_BPREL32:                              "S_BPREL32",
	S_LDATA32:                              "S_LDATA32",
	S_GDATA32:                              "S_GDATA32",
	S_PUB32:                                "S_PUB32",
	S_LPROC32:                              "S_LPROC32",
	S_GPROC32:                              "S_GPROC32",
	S_REGREL32:                             "S_REGREL32",
	S_LTHREAD32:                            "S_LTHREAD32",
	S_GTHREAD32:                            "S_GTHREAD32",
	S_LPROCMIPS:                            "S_LPROCMIPS",
	S_GPROCMIPS:                            "S_GPROCMIPS",
	S_COMPILE2:                             "S_COMPILE2",
	S_MANYREG2:                             "S_MANYREG2",
	S_LPROCIA64:                            "S_LPROCIA64",
	S_GPROCIA64:                            "S_GPROCIA64",
	S_LOCALSLOT:                            "S_LOCALSLOT",
	S_PARAMSLOT:                            "S_PARAMSLOT",
	S_LMANDATA:                             "S_LMANDATA",
	S_GMANDATA:                             "S_GMANDATA",
	S_MANFRAMEREL:                          "S_MANFRAMEREL",
	S_MANREGISTER:                          "S_MANREGISTER",
	S_MANSLOT:                              "S_MANSLOT",
	S_MANMANYREG:                           "S_MANMANYREG",
	S_MANREGREL:                            "S_MANREGREL",
	S_MANMANYREG2:                          "S_MANMANYREG2",
	S_UNAMESPACE:                           "S_UNAMESPACE",
	S_PROCREF:                              "S_PROCREF",
	S_DATAREF:                              "S_DATAREF",
	S_LPROCREF:                             "S_LPROCREF",
	S_ANNOTATIONREF:                        "S_ANNOTATIONREF",
	S_TOKENREF:                             "S_TOKENREF",
	S_GMANPROC:                             "S_GMANPROC",
	S_LMANPROC:                             "S_LMANPROC",
	S_TRAMPOLINE:                           "S_TRAMPOLINE",
	S_MANCONSTANT:                          "S_MANCONSTANT",
	S_ATTR_FRAMEREL:                        "S_ATTR_FRAMEREL",
	S_ATTR_REGISTER:                        "S_ATTR_REGISTER",
	S_ATTR_REGREL:                          "S_ATTR_REGREL",
	S_ATTR_MANYREG:                         "S_ATTR_MANYREG",
	S_SEPCODE:                              "S_SEPCODE",
	S_LOCAL_2005:                           "S_LOCAL_2005",
	S_DEFRANGE_2005:                        "S_DEFRANGE_2005",
	S_DEFRANGE2_2005:                       "S_DEFRANGE2_2005",
	S_SECTION:                              "S_SECTION",
	S_COFFGROUP:                            "S_COFFGROUP",
	S_EXPORT:                               "S_EXPORT",
	S_CALLSITEINFO:                         "S_CALLSITEINFO",
	S_FRAMECOOKIE:                          "S_FRAMECOOKIE",
	S_DISCARDED:                            "S_DISCARDED",
	S_COMPILE3:                             "S_COMPILE3",
	S_ENVBLOCK:                             "S_ENVBLOCK",
	S_LOCAL:                                "S_LOCAL",
	S_DEFRANGE:                             "S_DEFRANGE",
	S_DEFRANGE_SUBFIELD:                    "S_DEFRANGE_SUBFIELD",
	S_DEFRANGE_REGISTER:                    "S_DEFRANGE_REGISTER",
	S_DEFRANGE_FRAMEPOINTER_REL:            "S_DEFRANGE_FRAMEPOINTER_REL",
	S_DEFRANGE_SUBFIELD_REGISTER:           "S_DEFRANGE_SUBFIELD_REGISTER",
	S_DEFRANGE_FRAMEPOINTER_REL_FULL_SCOPE: "S_DEFRANGE_FRAMEPOINTER_REL_FULL_SCOPE",
	S_DEFRANGE_REGISTER_REL:                "S_DEFRANGE_REGISTER_REL",
	S_LPROC32_ID:                           "S_LPROC32_ID",
	S_GPROC32_ID:                           "S_GPROC32_ID",
	S_LPROCMIPS_ID:                         "S_LPROCMIPS_ID",
	S_GPROCMIPS_ID:                         "S_GPROCMIPS_ID",
	S_LPROCIA64_ID:                         "S_LPROCIA64_ID",
	S_GPROCIA64_ID:                         "S_GPROCIA64_ID",
	S_BUILDINFO:                            "S_BUILDINFO",
	S_INLINESITE:                           "S_INLINESITE",
	S_INLINESITE_END:                       "S_INLINESITE_END",
	S_PROC_ID_END:                          "S_PROC_ID_END",
	S_DEFRANGE_HLSL:                        "S_DEFRANGE_HLSL",
	S_GDATA_HLSL:                           "S_GDATA_HLSL",
	S_LDATA_HLSL:                           "S_LDATA_HLSL",
	S_FILESTATIC:                           "S_FILESTATIC",
	S_ARMSWITCHTABLE:                       "S_ARMSWITCHTABLE",
	S_CALLEES:                              "S_CALLEES",
	S_CALLERS:                              "S_CALLERS",
	S_POGODATA:                             "S_POGODATA",
	S_INLINESITE2:                          "S_INLINESITE2",
	S_HEAPALLOCSITE:                        "S_HEAPALLOCSITE",
	S_MOD_TYPEREF:                          "S_MOD_TYPEREF",
	S_REF_MINIPDB:                          "S_REF_MINIPDB",
	S_PDBMAP:                               "S_PDBMAP",
	S_GDATA_HLSL32:                         "S_GDATA_HLSL32",
	S_LDATA_HLSL32:                         "S_LDATA_HLSL32",
	S_GDATA_HLSL32_EX:                      "S_GDATA_HLSL32_EX",
	S_LDATA_HLSL32_EX:                      "S_LDATA_HLSL32_EX",
	S_FASTLINK:                             "S_FASTLINK",
	S_INLINEES:                             "S_INLINEES",
	S_RECTYPE_MAX:                          "S_RECTYPE_MAX",
}

func (k SymbolKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("S_UNKNOWN(0x%04x)", uint16(k))
}

// IsProc reports whether k introduces a procedure scope.
func (k SymbolKind) IsProc() bool {
	switch k {
	case S_GPROC32, S_LPROC32, S_GPROC32_ID, S_LPROC32_ID,
		S_GPROCIA64, S_LPROCIA64, S_GPROCIA64_ID, S_LPROCIA64_ID,
		S_GPROCMIPS, S_LPROCMIPS, S_GPROCMIPS_ID, S_LPROCMIPS_ID:
		return true
	}
	return false
}

// IsData reports whether k describes a global or static variable.
func (k SymbolKind) IsData() bool {
	switch k {
	case S_GDATA32, S_LDATA32, S_GMANDATA, S_LMANDATA, S_GTHREAD32, S_LTHREAD32:
		return true
	}
	return false
}
